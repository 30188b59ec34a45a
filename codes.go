package sessionsync

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	codeAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	digits           = "0123456789"
	SessionCodeLen   = 6
	verificationLen  = 6
	trackingDigitLen = 9
)

var (
	sessionCodeRe      = regexp.MustCompile(`^[A-Z0-9]{6}$`)
	verificationCodeRe = regexp.MustCompile(`^[0-9]{4,8}$`)
)

// NewSessionCode returns a random 6 character upper case alphanumeric code
func NewSessionCode() (string, error) {
	return randomString(codeAlphabet, SessionCodeLen)
}

// NewVerificationCode returns a random 6 digit code
func NewVerificationCode() (string, error) {
	return randomString(digits, verificationLen)
}

// NewTrackingNumber returns prefix followed by random digits
func NewTrackingNumber(prefix string) (string, error) {
	n, err := randomString(digits, trackingDigitLen)
	if err != nil {
		return "", err
	}
	return prefix + n, nil
}

// ValidSessionCode reports whether code has the session code format
func ValidSessionCode(code string) bool {
	return sessionCodeRe.MatchString(code)
}

// ValidVerificationCode reports whether code is 4 to 8 digits
func ValidVerificationCode(code string) bool {
	return verificationCodeRe.MatchString(code)
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	bs := make([]byte, n)
	for i := range bs {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		bs[i] = alphabet[idx.Int64()]
	}
	return string(bs), nil
}
