package deposit

import (
	"crypto/rand"
	"strings"
)

// Sem 0/O/1/I para o usuário não errar ao digitar o memo
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 10

// newVerificationCode gera o código curto usado como memo no provedor.
// 256 é múltiplo de 32, então o módulo não enviesa.
func newVerificationCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// normalizeCode tolera espaços e caixa baixa no memo digitado pelo usuário
func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
