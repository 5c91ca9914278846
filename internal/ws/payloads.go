package ws

import "botpipe/internal/schema"

func obj(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	conversationID = map[string]interface{}{"type": "integer", "minimum": 1}
	nonEmptyString = map[string]interface{}{"type": "string", "minLength": 1}
	optionalString = map[string]interface{}{"type": "string"}
	optionalID     = map[string]interface{}{"type": "integer", "minimum": 1}
)

// opSchemas is the fixed request schema per gateway operation. Unknown or
// missing required fields fail validation before any side effect.
var opSchemas = map[string]map[string]interface{}{
	"joinRoom":  obj(map[string]interface{}{"conversationId": conversationID}, "conversationId"),
	"leaveRoom": obj(map[string]interface{}{"conversationId": conversationID}, "conversationId"),
	"joinAdmin": obj(map[string]interface{}{}),
	"sendMessage": obj(map[string]interface{}{
		"conversationId":   conversationID,
		"botId":            optionalID,
		"userId":           optionalID,
		"question":         nonEmptyString,
		"replyToMessageId": optionalID,
		"userCountry":      optionalString,
		"userCity":         optionalString,
		"contextMessage":   optionalString,
	}, "conversationId", "botId", "question"),
	"adminMessage": obj(map[string]interface{}{
		"conversationId":   conversationID,
		"text":             nonEmptyString,
		"replyToMessageId": optionalID,
	}, "conversationId", "text"),
	"setAiPaused": obj(map[string]interface{}{
		"conversationId": conversationID,
		"paused":         map[string]interface{}{"type": "boolean"},
	}, "conversationId", "paused"),
	"typing": obj(map[string]interface{}{
		"conversationId": conversationID,
		"from":           nonEmptyString,
	}, "conversationId", "from"),
	"sendFile": obj(map[string]interface{}{
		"conversationId": conversationID,
		"userId":         optionalID,
		"name":           nonEmptyString,
		"contentType":    optionalString,
		"url":            optionalString,
		"data":           optionalString,
	}, "conversationId", "name"),
	"sendGroupedImages": obj(map[string]interface{}{
		"conversationId": conversationID,
		"userId":         optionalID,
		"images": map[string]interface{}{
			"type":     "array",
			"minItems": 1,
			"items": obj(map[string]interface{}{
				"name":        nonEmptyString,
				"contentType": optionalString,
				"data":        nonEmptyString,
			}, "name", "data"),
		},
	}, "conversationId", "images"),
}

// NewPayloadRegistry compiles the gateway operation schemas.
func NewPayloadRegistry() (*schema.Registry, error) {
	return schema.NewRegistry(opSchemas)
}
