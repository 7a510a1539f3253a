package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	body := []byte("hello")
	headers := map[string]interface{}{"x-tenant": "acme"}

	env := NewEnvelope(body, Properties{
		ContentType: "text/plain",
		Headers:     headers,
		MessageID:   "msg-1",
		Timestamp:   time.Unix(1700000000, 0),
	})

	body[0] = 'j'
	headers["x-tenant"] = "other"

	assert.Equal(t, "hello", string(env.Body))
	assert.Equal(t, "acme", env.Properties.Headers["x-tenant"])
	assert.Equal(t, "msg-1", env.Properties.MessageID)
}

func TestToEnvelope(t *testing.T) {
	t.Run("string is wrapped with default properties", func(t *testing.T) {
		env, err := ToEnvelope("hello")
		require.NoError(t, err)

		assert.Equal(t, []byte("hello"), env.Body)
		assert.Equal(t, DefaultProperties(), env.Properties)
	})

	t.Run("bytes are wrapped with default properties", func(t *testing.T) {
		env, err := ToEnvelope([]byte{0x01, 0x02})
		require.NoError(t, err)

		assert.Equal(t, []byte{0x01, 0x02}, env.Body)
		assert.Equal(t, Persistent, env.Properties.DeliveryMode)
	})

	t.Run("raw json gets json content type", func(t *testing.T) {
		env, err := ToEnvelope(json.RawMessage(`{"id":1}`))
		require.NoError(t, err)

		assert.Equal(t, "application/json", env.Properties.ContentType)
	})

	t.Run("envelope passes through", func(t *testing.T) {
		in := NewEnvelope([]byte("x"), Properties{ContentType: "application/octet-stream"})

		env, err := ToEnvelope(in)
		require.NoError(t, err)
		assert.Equal(t, in, env)

		env, err = ToEnvelope(&in)
		require.NoError(t, err)
		assert.Equal(t, in, env)
	})

	t.Run("unsupported values are rejected", func(t *testing.T) {
		_, err := ToEnvelope(42)
		assert.ErrorIs(t, err, ErrUnsupportedPayload)

		var nilEnv *Envelope
		_, err = ToEnvelope(nilEnv)
		assert.ErrorIs(t, err, ErrUnsupportedPayload)
	})
}
