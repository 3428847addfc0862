package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on a
// predicate literal.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Column      string // Safe name of the column the literal filters
	Value       any    // The value that was checked
}

// CheckLiteralForInjection uses libinjection to detect SQL injection patterns
// in a predicate literal before it is bound as a parameter.
//
// Literals only ever reach statements as bound parameters; this check catches
// a misbehaving plan source (an LLM emitting attack strings as filter values)
// before anything touches the database.
//
// Only string values are checked - numbers, booleans, and times cannot carry
// injection patterns and return nil.
func CheckLiteralForInjection(column string, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if isSQLi {
		return &InjectionCheckResult{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			Column:      column,
			Value:       value,
		}
	}

	return nil
}
