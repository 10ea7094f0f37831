package provider

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ruteri/master-key-backup/interfaces"
)

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%^&*"
)

// PasswordPolicy controls generated secret values.
type PasswordPolicy struct {
	Length  int  `yaml:"length"`
	Symbols bool `yaml:"symbols"`
	Numbers bool `yaml:"numbers"`
	Upper   bool `yaml:"upper"`
	Lower   bool `yaml:"lower"`
}

// DefaultPasswordPolicy is 16 characters drawn from every class.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{Length: 16, Symbols: true, Numbers: true, Upper: true, Lower: true}
}

func (p PasswordPolicy) classes() []string {
	var out []string
	if p.Lower {
		out = append(out, lowerChars)
	}
	if p.Upper {
		out = append(out, upperChars)
	}
	if p.Numbers {
		out = append(out, digitChars)
	}
	if p.Symbols {
		out = append(out, symbolChars)
	}
	return out
}

// Check rejects policies that cannot produce a valid password.
func (p PasswordPolicy) Check() error {
	classes := p.classes()
	if len(classes) == 0 {
		return fmt.Errorf("%w: no character classes selected", interfaces.ErrUsage)
	}
	if p.Length < len(classes) {
		return fmt.Errorf("%w: length %d cannot cover %d character classes", interfaces.ErrUsage, p.Length, len(classes))
	}
	return nil
}

// Generate returns a random password containing at least one character of
// every selected class.
func (p PasswordPolicy) Generate() (string, error) {
	if err := p.Check(); err != nil {
		return "", err
	}
	classes := p.classes()
	alphabet := strings.Join(classes, "")

	out := make([]byte, p.Length)
	for i := range out {
		c, err := pick(alphabet)
		if err != nil {
			return "", err
		}
		out[i] = c
	}

	// Place one character of each class at distinct random positions.
	positions, err := permutation(p.Length)
	if err != nil {
		return "", err
	}
	for i, class := range classes {
		c, err := pick(class)
		if err != nil {
			return "", err
		}
		out[positions[i]] = c
	}
	return string(out), nil
}

// Validate reports whether secret satisfies the policy.
func (p PasswordPolicy) Validate(secret string) bool {
	if len(secret) < p.Length {
		return false
	}
	for _, class := range p.classes() {
		if !strings.ContainsAny(secret, class) {
			return false
		}
	}
	return true
}

func pick(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("failed to generate password: %w", err)
	}
	return alphabet[n.Int64()], nil
}

func permutation(n int) ([]int, error) {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("failed to generate password: %w", err)
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return out, nil
}
