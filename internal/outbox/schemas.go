package outbox

const activityAuditedSchema = `{
  "type": "object",
  "title": "ActivityAudited",
  "properties": {
    "sequence": {"type": "integer", "minimum": 1},
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "from_state": {"type": "string"},
    "to_state": {"enum": ["received", "validated", "submitted", "confirmed", "rejected", "failed"]},
    "kind": {"enum": ["transition", "transient_ledger_error", "confirmation_timeout", "operator_retry"]},
    "detail": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["sequence", "activity_id", "user_id", "to_state", "kind", "occurred_at"],
  "additionalProperties": false
}`

const settlementRequestedSchema = `{
  "type": "object",
  "title": "SettlementRequested",
  "properties": {
    "activity_id": {"type": "string"},
    "requested_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "requested_at"],
  "additionalProperties": false
}`

// schemaCatalog maps outbox event types to the JSON schema registered for their subject.
var schemaCatalog = map[string]string{
	"activity.audited":              activityAuditedSchema,
	"activity.settlement_requested": settlementRequestedSchema,
}
