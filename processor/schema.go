package processor

// JSON Schemas enforced at the transport boundary. Payloads that fail
// validation are dropped before any decode reaches the domain layer.
const (
	tagBatchSchema = `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["tag_id", "product_id"],
			"properties": {
				"tag_id":       {"type": "string", "minLength": 1},
				"epc":          {"type": "string"},
				"type":         {"type": "string", "enum": ["UHF", "NFC", "HF"]},
				"product_id":   {"type": "string", "minLength": 1},
				"product_name": {"type": "string"},
				"category":     {"type": "string"},
				"location":     {"type": "string"},
				"rssi":         {"type": "number"},
				"read_count":   {"type": "integer", "minimum": 0}
			}
		}
	}`

	heartbeatSchema = `{
		"type": "object",
		"properties": {
			"reader_id": {"type": "string", "minLength": 1},
			"type":      {"type": "string", "enum": ["fixed", "handheld"]},
			"location":  {"type": "string"},
			"status":    {"type": "string", "enum": ["online", "offline", "error"]}
		}
	}`

	inventoryUpdateSchema = `{
		"type": "object",
		"required": ["product_id"],
		"properties": {
			"product_id":    {"type": "string", "minLength": 1},
			"product_name":  {"type": "string"},
			"category":      {"type": "string"},
			"quantity":      {"type": "integer"},
			"unit":          {"type": "string"},
			"location":      {"type": "string"},
			"status":        {"type": "string"},
			"min_threshold": {"type": "integer", "minimum": 0},
			"max_threshold": {"type": "integer", "minimum": 0}
		}
	}`
)
