package broker

import (
	"strings"

	"github.com/ajsinha/dgfacade/pkg/config"
)

// Confluent Kafka is the Kafka adapter with Confluent-style property names
// translated up front. No separate adapter type: a pre-processing step
// rewrites the connection map and the base Kafka adapter does the rest.

// confluentKeyMap translates librdkafka-style dotted properties to the
// adapter's native keys.
var confluentKeyMap = map[string]string{
	"bootstrap.servers": "bootstrap_servers",
	"client.id":         "client_id",
	"group.id":          "group_id",
	"sasl.username":     "sasl_username",
	"sasl.password":     "sasl_password",
	"sasl.mechanism":    "sasl_mechanism",
}

// PrepareConfluentConfig rewrites a Confluent-flavoured connection map into
// the shape the Kafka adapter reads. The original map is not modified.
func PrepareConfluentConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if native, ok := confluentKeyMap[k]; ok {
			out[native] = v
		} else {
			out[k] = v
		}
	}

	// Confluent configs commonly carry SASL credentials at the top level
	// instead of an authentication block. Fold them in.
	if _, hasAuth := out["authentication"]; !hasAuth {
		username := config.String(out, "sasl_username", "")
		password := config.String(out, "sasl_password", "")
		if username != "" {
			out["authentication"] = map[string]any{
				"mechanism": strings.ToUpper(config.String(out, "sasl_mechanism", "PLAIN")),
				"username":  username,
				"password":  password,
			}
		}
	}

	// security.protocol SASL_SSL / SSL implies TLS when no ssl block exists.
	if _, hasSSL := out["ssl"]; !hasSSL {
		proto := strings.ToUpper(config.String(out, "security.protocol", ""))
		if strings.Contains(proto, "SSL") {
			out["ssl"] = &config.SSLConfig{Enabled: true}
		}
	}

	return out
}
