package config

type WorkerKeyStruct struct {
	PersistViolationsQueue string
	FinalizedAttemptsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue: "persist_violations_queue",
	FinalizedAttemptsQueue: "finalized_attempts_queue",
}
