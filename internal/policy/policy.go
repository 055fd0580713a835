package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/id"
)

// CheckCommandAllowed enforces --enable-commands. An empty allowlist allows
// everything; an entry also allows its subcommands ("tools" allows
// "tools call").
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := normalize(commandPath)
	for _, allowed := range allowlist {
		a := normalize(allowed)
		if a == path || strings.HasPrefix(path, a+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// PayeeAllowlist returns the payee check used before signing a payment.
// With no entries every payee is accepted.
func PayeeAllowlist(payees []string) func(string) bool {
	if len(payees) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(payees))
	for _, p := range payees {
		if addr, err := id.NormalizeAddress(p); err == nil {
			allowed[addr] = struct{}{}
		}
	}
	return func(payee string) bool {
		addr, err := id.NormalizeAddress(payee)
		if err != nil {
			return false
		}
		_, ok := allowed[addr]
		return ok
	}
}

func normalize(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
