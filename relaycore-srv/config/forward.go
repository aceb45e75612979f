package config

// ForwardType identifies the kind of upstream chaining a Forward performs.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork dials the target directly over the system
	// network stack.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 dials through a SOCKS5 proxy.
	ForwardTypeSocks5
	// ForwardTypeProxy dials through an HTTP/HTTPS proxy using CONNECT.
	ForwardTypeProxy
)

// Forward is one entry in the Upstream Connector's forward-chain selection:
// the first Forward whose Classifier matches the dial target wins.
type Forward interface {
	Type() ForwardType
	Classifier() Classifier
}

// ForwardDefaultNetwork forwards directly, bypassing any further chaining.
type ForwardDefaultNetwork struct {
	ClassifierData Classifier
	ForceIPv4      bool
}

// Type returns ForwardTypeDefaultNetwork.
func (f *ForwardDefaultNetwork) Type() ForwardType { return ForwardTypeDefaultNetwork }

// Classifier returns the match rule, defaulting to always-match.
func (f *ForwardDefaultNetwork) Classifier() Classifier {
	if f.ClassifierData == nil {
		return &ClassifierTrue{}
	}
	return f.ClassifierData
}

// ForwardSocks5 forwards through a SOCKS5 proxy.
type ForwardSocks5 struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool
}

// Type returns ForwardTypeSocks5.
func (f *ForwardSocks5) Type() ForwardType { return ForwardTypeSocks5 }

// Classifier returns the match rule, defaulting to always-match.
func (f *ForwardSocks5) Classifier() Classifier {
	if f.ClassifierData == nil {
		return &ClassifierTrue{}
	}
	return f.ClassifierData
}

// ForwardProxy forwards through an upstream HTTP/HTTPS proxy using CONNECT.
type ForwardProxy struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool
}

// Type returns ForwardTypeProxy.
func (f *ForwardProxy) Type() ForwardType { return ForwardTypeProxy }

// Classifier returns the match rule, defaulting to always-match.
func (f *ForwardProxy) Classifier() Classifier {
	if f.ClassifierData == nil {
		return &ClassifierTrue{}
	}
	return f.ClassifierData
}
