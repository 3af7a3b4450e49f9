package bus

// Topic is a logical bus destination. In a brokered deployment each topic
// maps to a partitioned stream; in-process it is a buffered channel.
type Topic string

const (
	// TopicFlow is consumed by the orchestrator.
	TopicFlow Topic = "flow-in"
	// TopicChannel carries channel-out envelopes to delivery workers.
	TopicChannel Topic = "channel-out"
	// TopicLanguage carries language-out envelopes to the translation
	// and speech pipeline.
	TopicLanguage Topic = "language-out"
	// TopicRetriever carries retrieval queries to the RAG service.
	TopicRetriever Topic = "retriever-out"
	// TopicLogger carries audit records to the telemetry sink.
	TopicLogger Topic = "logger-out"
)

// Topics lists every topic the bus pre-creates.
func Topics() []Topic {
	return []Topic{TopicFlow, TopicChannel, TopicLanguage, TopicRetriever, TopicLogger}
}
