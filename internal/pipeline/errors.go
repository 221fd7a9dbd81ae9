package pipeline

import "errors"

// ErrorKind classifies why a run did not end in a fully successful
// dispatch. It is recorded on every execution record that has one.
type ErrorKind string

const (
	KindSemanticDegraded           ErrorKind = "SemanticDegraded"
	KindIntentUnresolved           ErrorKind = "IntentUnresolved"
	KindNoCapabilityFound          ErrorKind = "NoCapabilityFound"
	KindPlanHallucinationRejected  ErrorKind = "PlanHallucinationRejected"
	KindInvalidTaskGraph           ErrorKind = "InvalidTaskGraph"
	KindPolicyDenied               ErrorKind = "PolicyDenied"
	KindPolicyConfirmationRequired ErrorKind = "PolicyConfirmationRequired"
	KindProviderExecutionFailure   ErrorKind = "ProviderExecutionFailure"
	KindPipelineTimeout            ErrorKind = "PipelineTimeout"
)

// severity orders kinds so a run records the one that ended it.
func (k ErrorKind) severity() int {
	switch k {
	case "":
		return 0
	case KindSemanticDegraded:
		return 1
	case KindIntentUnresolved:
		return 2
	case KindPipelineTimeout:
		return 9
	default:
		return 5
	}
}

// Errors returned by Execute for caller-supplied graphs. The response is
// still populated and the run recorded.
var (
	ErrInvalidGraph         = errors.New("invalid task graph")
	ErrPolicyDenied         = errors.New("task graph denied by policy")
	ErrConfirmationRequired = errors.New("task graph requires confirmation")
)

// Outcome summarizes how a run ended.
type Outcome string

const (
	OutcomeDispatched        Outcome = "dispatched"
	OutcomePlanned           Outcome = "planned"
	OutcomeNoCapability      Outcome = "no_capability"
	OutcomeDenied            Outcome = "denied"
	OutcomeNeedsConfirmation Outcome = "needs_confirmation"
	OutcomeInvalidGraph      Outcome = "invalid_graph"
	OutcomeTimeout           Outcome = "timeout"
)
