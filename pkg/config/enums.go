package config

import "strings"

// BrokerType identifies the protocol an adapter speaks.
type BrokerType string

const (
	BrokerKafka          BrokerType = "kafka"
	BrokerConfluentKafka BrokerType = "confluent_kafka"
	BrokerActiveMQ       BrokerType = "activemq"
	BrokerRabbitMQ       BrokerType = "rabbitmq"
	BrokerIBMMQ          BrokerType = "ibmmq"
	BrokerFilesystem     BrokerType = "filesystem"
	BrokerSQL            BrokerType = "sql"
)

// IsValid checks if the broker type is supported.
func (t BrokerType) IsValid() bool {
	switch t {
	case BrokerKafka, BrokerConfluentKafka, BrokerActiveMQ, BrokerRabbitMQ,
		BrokerIBMMQ, BrokerFilesystem, BrokerSQL:
		return true
	default:
		return false
	}
}

// NormalizeBrokerType lowercases a configured type and folds legacy aliases
// ("jms" is the old name for the ActiveMQ adapter).
func NormalizeBrokerType(raw string) BrokerType {
	t := strings.ToLower(strings.TrimSpace(raw))
	if t == "jms" {
		return BrokerActiveMQ
	}
	return BrokerType(t)
}

// DestinationType classifies a channel destination.
type DestinationType string

const (
	DestinationTopic     DestinationType = "topic"
	DestinationQueue     DestinationType = "queue"
	DestinationDirectory DestinationType = "directory"
	DestinationTable     DestinationType = "table"
)

// IsValid checks if the destination type is known.
func (t DestinationType) IsValid() bool {
	switch t {
	case DestinationTopic, DestinationQueue, DestinationDirectory, DestinationTable:
		return true
	default:
		return false
	}
}

// SSLFormat selects how SSL material is supplied.
type SSLFormat string

const (
	SSLFormatPEM      SSLFormat = "pem"
	SSLFormatKeystore SSLFormat = "keystore"
)
