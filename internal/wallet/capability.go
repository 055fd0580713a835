package wallet

type Capability string

const (
	CapabilityInjected Capability = "injected"
	CapabilityMetaMask Capability = "metamask"
	CapabilityCoinbase Capability = "coinbase"
	CapabilityPorto    Capability = "porto"
)

func ParseCapability(v string) (Capability, bool) {
	switch Capability(v) {
	case CapabilityInjected, CapabilityMetaMask, CapabilityCoinbase, CapabilityPorto:
		return Capability(v), true
	case "":
		return "", true
	default:
		return "", false
	}
}

// ResolveCapability picks the connector tag for a provider. Named connectors
// win over generic injection; isMetaMask is checked last because other
// wallets commonly set it for compatibility.
func ResolveCapability(flags ProviderFlags) (Capability, []string) {
	named := detectedNamed(flags)
	warnings := []string{}
	if len(named) > 1 {
		warnings = append(warnings, "multiple wallet providers detected; using "+string(named[0]))
	}
	if len(named) == 0 {
		return CapabilityInjected, warnings
	}
	return named[0], warnings
}

func detectedNamed(flags ProviderFlags) []Capability {
	out := []Capability{}
	if flags.IsPorto {
		out = append(out, CapabilityPorto)
	}
	if flags.IsCoinbaseWallet {
		out = append(out, CapabilityCoinbase)
	}
	if flags.IsMetaMask {
		out = append(out, CapabilityMetaMask)
	}
	return out
}

func preferenceWarning(preferred, active Capability, detected []Capability) string {
	if preferred == "" || preferred == active {
		return ""
	}
	for _, c := range detected {
		if c == preferred {
			return "preferred provider " + string(preferred) + " available but not in use"
		}
	}
	return ""
}
