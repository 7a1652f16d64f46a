package eventbus

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// Settings holds the Redis Streams transport configuration. When Enabled is
// false the bus runs in process.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" glazed.default:"false" glazed.help:"Publish stream events over Redis Streams"`
	Addr     string `glazed:"redis-addr" glazed.default:"localhost:6379" glazed.help:"Redis address host:port"`
	Group    string `glazed:"redis-group" glazed.default:"turnchat-relay" glazed.help:"Redis consumer group"`
	Consumer string `glazed:"redis-consumer" glazed.default:"relay-1" glazed.help:"Redis consumer name prefix"`
}

const SectionSlug = "redis"

func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis configuration for the stream event bus",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Publish stream events over Redis Streams")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault("localhost:6379"), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault("turnchat-relay"), fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault("relay-1"), fields.WithHelp("Redis consumer name prefix")),
		),
	)
}
