package policy

import "fmt"

// Request identifies one of the policy's decision operations.
type Request int

const (
	RequestUpdateCheckAllowed Request = iota
	RequestUpdateCanStart
	RequestUpdateDownloadAllowed
	numRequests
)

var requestNames = map[Request]string{
	RequestUpdateCheckAllowed:    "UpdateCheckAllowed",
	RequestUpdateCanStart:        "UpdateCanStart",
	RequestUpdateDownloadAllowed: "UpdateDownloadAllowed",
}

func init() {
	for r := Request(0); r < numRequests; r++ {
		if _, ok := requestNames[r]; !ok {
			panic(fmt.Sprintf("policy: request %d has no name", int(r)))
		}
	}
}

func (r Request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Request(%d)", int(r))
}

// Requests lists every decision operation.
func Requests() []Request {
	all := make([]Request, 0, numRequests)
	for r := Request(0); r < numRequests; r++ {
		all = append(all, r)
	}
	return all
}

// RequestName is the label used for r in logs and metrics.
func RequestName(p Policy, r Request) string {
	return p.Name() + "::" + r.String()
}
