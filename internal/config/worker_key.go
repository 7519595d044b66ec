package config

type WorkerKeyStruct struct {
	PersistResponsesQueue string
	PersistEventsQueue    string
}

var WorkerKey = &WorkerKeyStruct{
	PersistResponsesQueue: "persist_responses_queue",
	PersistEventsQueue:    "persist_events_queue",
}
