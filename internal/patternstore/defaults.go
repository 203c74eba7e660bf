package patternstore

// DefaultYAML is the pattern set used when no pattern file is configured,
// adapted from the teacher's redaction.DefaultPatterns catalogue and
// regrouped into spec-shaped categories (api_keys, private_keys, pii,
// passwords).
const DefaultYAML = `
patterns:
  api_keys:
    - name: openai_api_key
      regex: 'sk-[A-Za-z0-9]{32,}'
      severity: critical
      description: "OpenAI API Key"
    - name: aws_access_key
      regex: '(?i)AKIA[0-9A-Z]{16}'
      severity: critical
      description: "AWS Access Key ID"
    - name: bearer_token
      regex: '(?i)bearer\s+[a-zA-Z0-9_.-]{20,}'
      severity: high
      description: "Bearer token in Authorization-style header"
    - name: generic_api_key
      regex: '(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token)[:=\s]+[a-zA-Z0-9_.-]{16,}'
      severity: high
      description: "Generic API key assignment"
    - name: jwt_token
      regex: 'eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*'
      severity: high
      description: "JSON Web Token"
  private_keys:
    - name: pem_private_key
      regex: '(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*-----END[A-Z ]*PRIVATE KEY-----'
      severity: critical
      description: "PEM-fenced private key block"
      validator: ssh_key
  pii:
    - name: us_ssn
      regex: '\b\d{3}-\d{2}-\d{4}\b'
      severity: high
      description: "US Social Security Number"
    - name: credit_card
      regex: '\b(?:\d[ -]?){13,16}\b'
      severity: high
      description: "Candidate credit card number"
      validator: luhn
    - name: email_address
      regex: '\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b'
      severity: low
      description: "Email address"
    - name: phone_us
      regex: '\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b'
      severity: low
      description: "US phone number"
  passwords:
    - name: password_assignment
      regex: '(?i)(password|passwd|pwd)\s*[:=]\s*\S{4,}'
      severity: high
      description: "Password literal assignment"
      context_terms: ["password", "passwd", "pwd"]
`

// DefaultPatterns returns the compiled standard pattern set. It panics only
// if the embedded catalogue itself fails to compile, which would indicate a
// programmer error in this package, not a runtime/config condition.
func DefaultPatterns() []*Pattern {
	patterns, err := Parse([]byte(DefaultYAML))
	if err != nil {
		panic("patternstore: built-in default patterns failed to compile: " + err.Error())
	}
	return patterns
}

// DefaultProvider returns a Provider pre-loaded with DefaultPatterns.
func DefaultProvider() *Provider {
	return NewProvider(DefaultPatterns())
}
