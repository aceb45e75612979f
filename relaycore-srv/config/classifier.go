package config

// ClassifierType tags a Classifier config node with its concrete Go type,
// so proxy.CompileClassifier can switch on it without a type assertion
// chain.
type ClassifierType int

// The classifier tree only ever needs to answer two questions in this
// repo: which forward chain (if any) a target host routes through, and
// whether a host clears the allow/block lists. And/Or/Not/Ref compose
// the rest into a tree; Domain/DomainsFile/IP/Network/Port are the leaves.
const (
	ClassifierTypeAnd ClassifierType = iota
	ClassifierTypeOr
	ClassifierTypeNot
	ClassifierTypeRef
	ClassifierTypeDomain
	ClassifierTypeDomainsFile
	ClassifierTypeIP
	ClassifierTypeNetwork
	ClassifierTypePort
	ClassifierTypeTrue
	ClassifierTypeFalse
)

// Classifier is any node in a compiled routing/allow-block decision tree.
// hcl.go builds these programmatically from the flatter HCL forward/
// allowlist/blocklist blocks; nothing decodes a Classifier tree directly
// from HCL, so a caller embedding this package can still hand-compose one
// (classifier_test.go does, to exercise the runtime engine directly).
type Classifier interface {
	Type() ClassifierType
}

// ClassifierAnd matches when every child matches.
type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Type() ClassifierType { return ClassifierTypeAnd }

// ClassifierOr matches when any child matches. proxy.CompileClassifier
// rewrites an OR of plain domain-equal children into a single
// Aho-Corasick scan rather than evaluating them one at a time.
type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Type() ClassifierType { return ClassifierTypeOr }

// ClassifierNot negates a child's result.
type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Type() ClassifierType { return ClassifierTypeNot }

// ClassifierRef points at another classifier by name. At runtime it only
// resolves when compiled as a top-level entry by
// proxy.CompileClassifiersMap; compiled anywhere else (a forward rule, an
// allow/block list) it has no names to look up and reports an error.
type ClassifierRef struct {
	Id string
}

func (c *ClassifierRef) Type() ClassifierType { return ClassifierTypeRef }

// ClassifierOp is the string comparison a ClassifierDomain runs against
// the target host.
type ClassifierOp int

const (
	ClassifierOpEqual       ClassifierOp = iota // host == Domain
	ClassifierOpNotEqual                        // host != Domain
	ClassifierOpContains                        // strings.Contains(host, Domain)
	ClassifierOpNotContains                     // !strings.Contains(host, Domain)
	ClassifierOpIs                              // host == Domain or a subdomain of it
)

// ClassifierDomain matches the CONNECT/request authority's host against
// a single domain, per Op. hcl.go emits ClassifierOpEqual for a forward's
// match_domain and ClassifierOpIs for match_domain_is and for allow/block
// list entries.
type ClassifierDomain struct {
	Op     ClassifierOp
	Domain string
}

func (c *ClassifierDomain) Type() ClassifierType { return ClassifierTypeDomain }

// ClassifierDomainsFile names a newline-delimited domain list on disk.
// proxy.NewClassifierDomainsFile loads and compiles it; this type only
// carries the path through config.
type ClassifierDomainsFile struct {
	FilePath string
}

func (c *ClassifierDomainsFile) Type() ClassifierType { return ClassifierTypeDomainsFile }

// ClassifierIP matches the client's remote address exactly.
type ClassifierIP struct {
	IP string
}

func (c *ClassifierIP) Type() ClassifierType { return ClassifierTypeIP }

// ClassifierNetwork matches when the client's remote address falls
// inside a CIDR block.
type ClassifierNetwork struct {
	CIDR string
}

func (c *ClassifierNetwork) Type() ClassifierType { return ClassifierTypeNetwork }

// ClassifierPort matches a port exactly; the proxy's forward and
// allow/block callers compare it against the target's port.
type ClassifierPort struct {
	Port int
}

func (c *ClassifierPort) Type() ClassifierType { return ClassifierTypePort }

// ClassifierTrue always matches; it is the implicit classifier for a
// forward rule with no match_domain/match_domain_is set.
type ClassifierTrue struct{}

func (c *ClassifierTrue) Type() ClassifierType { return ClassifierTypeTrue }

// ClassifierFalse never matches; hcl.go uses it for an empty allow/block
// list block so the block still compiles to a well-formed Classifier.
type ClassifierFalse struct{}

func (c *ClassifierFalse) Type() ClassifierType { return ClassifierTypeFalse }
