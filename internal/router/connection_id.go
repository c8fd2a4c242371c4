package router

import "fmt"

// Kind distinguishes the two endpoint families a ConnectionId can name.
type Kind int

const (
	KindTCP Kind = iota
	KindUART
)

func (k Kind) String() string {
	if k == KindTCP {
		return "TCP"
	}
	return "UART"
}

// ConnectionId uniquely identifies one endpoint for the lifetime of the
// process. Ordinal is assigned monotonically per Kind at accept/open time
// and is never reused after disconnect (spec.md §3).
type ConnectionId struct {
	Kind    Kind
	Ordinal uint64
}

func (id ConnectionId) String() string {
	return fmt.Sprintf("%s-%d", id.Kind, id.Ordinal)
}
