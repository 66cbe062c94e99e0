package codec

const payloadSchema = `{
  "type": "object",
  "title": "ActivityPayload",
  "properties": {
    "activity_type": {"type": "string", "enum": ["cycling", "running", "walking"]},
    "distance_meters": {"type": "number", "minimum": 0},
    "duration_seconds": {"type": "number", "minimum": 0},
    "calories_kcal": {"type": "number", "minimum": 0},
    "recorded_at": {"type": "string", "format": "date-time"},
    "route": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "lat": {"type": "number", "minimum": -90, "maximum": 90},
          "lon": {"type": "number", "minimum": -180, "maximum": 180},
          "ts": {"type": "string", "format": "date-time"}
        },
        "required": ["lat", "lon", "ts"],
        "additionalProperties": false
      }
    }
  },
  "required": ["distance_meters", "duration_seconds", "calories_kcal", "recorded_at"],
  "additionalProperties": false
}`
