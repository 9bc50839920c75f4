package vault

import "crypto/subtle"

// SecretsEqual compares a presented secret with the expected one in
// constant time. An empty expected secret never matches, so an unset key
// disables the tier it guards.
func SecretsEqual(presented, expected string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
