package config

// Queue providers accepted by QUEUE_PROVIDER. "google" selects Pub/Sub.
const (
	ProviderNSQ      = "nsq"
	ProviderRabbitMQ = "rabbitmq"
	ProviderGoogle   = "google"
	ProviderPubSub   = "pubsub"
)

const (
	// HeaderDatasourceID carries the datasource id on RabbitMQ headers and Pub/Sub attributes.
	HeaderDatasourceID = "datasourceId"

	// HeaderStream carries the optional stream key.
	HeaderStream = "stream"
)
