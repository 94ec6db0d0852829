package core

type ctxKey string

// Keys set on the context of every job run. The default logger adds them to each record.
const (
	CtxKeyExecutorId ctxKey = ctxKey("executorId")
	CtxKeyJobId      ctxKey = ctxKey("jobId")
)
