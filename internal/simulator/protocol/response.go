package protocol

type ResponseType string

const (
	Success                           ResponseType = "SUCCESS"
	UnsupportedOperation              ResponseType = "UNSUPPORTED_OPERATION_ON_THIS_PROCESSOR"
	FailureAgentNotFound              ResponseType = "FAILURE_AGENT_NOT_FOUND"
	FailureWorkerNotFound             ResponseType = "FAILURE_WORKER_NOT_FOUND"
	FailureTestNotFound               ResponseType = "FAILURE_TEST_NOT_FOUND"
	ExceptionDuringOperationExecution ResponseType = "EXCEPTION_DURING_OPERATION_EXECUTION"
)
