package proxy

import (
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var errInvalidBody = errors.New("request body must be a JSON object")

// envelope holds the only request fields the proxy looks at. Everything
// else in the body is forwarded untouched.
type envelope struct {
	Model  string
	Stream bool
}

func parseEnvelope(body []byte) (envelope, error) {
	if !gjson.ValidBytes(body) {
		return envelope{}, errInvalidBody
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return envelope{}, errInvalidBody
	}
	model := root.Get("model")
	if model.Type != gjson.String || model.String() == "" {
		return envelope{}, errors.New("model is required")
	}
	return envelope{
		Model:  model.String(),
		Stream: root.Get("stream").Bool(),
	}, nil
}

// withStreamUsage asks the gateway to append a usage unit to the stream.
func withStreamUsage(body []byte) ([]byte, error) {
	if gjson.GetBytes(body, "stream_options.include_usage").Bool() {
		return body, nil
	}
	return sjson.SetBytes(body, "stream_options.include_usage", true)
}
