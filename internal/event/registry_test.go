package event

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRegistry_ValidateEnvelope(t *testing.T) {
	reg := NewSchemaRegistry("system")
	reg.Register(Schema{
		EventType:     "order_created",
		SchemaVersion: 1,
		Topic:         "orders",
		Validate: func(payload json.RawMessage) error {
			var body struct {
				TotalMinorUnits int `json:"total_minor_units"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return err
			}
			if body.TotalMinorUnits <= 0 {
				return errors.New("total_minor_units must be positive")
			}
			return nil
		},
	})

	t.Run("valid payload passes", func(t *testing.T) {
		e := validEnvelope()
		require.NoError(t, reg.ValidateEnvelope(e))
	})

	t.Run("payload failing schema validation rejected", func(t *testing.T) {
		e := validEnvelope()
		e.Payload = json.RawMessage(`{"total_minor_units":0}`)
		err := reg.ValidateEnvelope(e)
		assert.Error(t, err)
	})

	t.Run("unregistered event type rejected on write", func(t *testing.T) {
		e := validEnvelope()
		e.EventType = "never_registered"
		err := reg.ValidateEnvelope(e)
		assert.Error(t, err)
	})

	t.Run("structurally invalid envelope rejected before schema lookup", func(t *testing.T) {
		e := validEnvelope()
		e.TenantID = ""
		err := reg.ValidateEnvelope(e)
		assert.Error(t, err)
	})
}

func TestSchemaRegistry_TopicFor(t *testing.T) {
	reg := NewSchemaRegistry("system")
	reg.Register(Schema{EventType: "order_created", SchemaVersion: 1, Topic: "orders"})
	reg.Register(Schema{EventType: "order_created", SchemaVersion: 2, Topic: "orders"})

	assert.Equal(t, "orders", reg.TopicFor("order_created"))
	assert.Equal(t, "system", reg.TopicFor("unknown_type"))
}

func TestSchemaRegistry_KnownType(t *testing.T) {
	reg := NewSchemaRegistry("system")
	reg.Register(Schema{EventType: "order_created", SchemaVersion: 1, Topic: "orders"})

	assert.True(t, reg.KnownType("order_created"))
	assert.False(t, reg.KnownType("order_deleted"))
}

func TestSchemaRegistry_RegisterOverwritesSameKey(t *testing.T) {
	reg := NewSchemaRegistry("system")
	reg.Register(Schema{EventType: "order_created", SchemaVersion: 1, Topic: "orders"})
	reg.Register(Schema{EventType: "order_created", SchemaVersion: 1, Topic: "orders-v2"})

	schema, ok := reg.Lookup("order_created", 1)
	require.True(t, ok)
	assert.Equal(t, "orders-v2", schema.Topic)
}
