package consensus

import "fmt"

// Problem codes carried by a failed protocol run. They travel to the
// remote peers inside a ProblemReport and to the local caller as the
// returned error.
const (
	CodeParticipantUnknown      = "participant-unknown"
	CodeRequestNotAccepted      = "request-not-accepted"
	CodeRequestProcessingError  = "request-processing-error"
	CodeResponseNotAccepted     = "response-not-accepted"
	CodeResponseProcessingError = "response-processing-error"
	CodeAborted                 = "aborted"
)

// Problem is the structured abort reason of a protocol run. It is the
// only error type a public consensus operation returns for
// protocol-level failures.
type Problem struct {
	Code        string
	Explanation string
}

func (p *Problem) Error() string {
	return fmt.Sprintf("consensus failed: %s: %s", p.Code, p.Explanation)
}

func NewProblem(code, format string, args ...interface{}) *Problem {
	return &Problem{
		Code:        code,
		Explanation: fmt.Sprintf(format, args...),
	}
}

func IsProblem(err error) bool {
	_, ok := err.(*Problem)
	return ok
}

func AsProblem(err error) *Problem {
	if p, ok := err.(*Problem); ok {
		return p
	}
	return nil
}
