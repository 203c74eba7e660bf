package patternstore

import "strings"

// LuhnValidator implements the Luhn checksum used to confirm a matched
// digit sequence is plausibly a real credit-card number (spec §4.1).
func LuhnValidator(match string) bool {
	var digits []int
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 12 {
		return false
	}

	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// SSHKeyValidator requires matched candidates to carry expected PEM-style
// header/footer fencing for a private key block (spec §4.1).
func SSHKeyValidator(match string) bool {
	trimmed := strings.TrimSpace(match)
	hasBegin := strings.Contains(trimmed, "-----BEGIN")
	hasEnd := strings.Contains(trimmed, "-----END")
	return hasBegin && hasEnd
}
