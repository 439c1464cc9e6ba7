// pkg/schema/whspr.go
package schema

// WHSPR request/result JSON Schemas. The remote-request schema is enforced on
// POST bodies; all three are embedded in the published offering note.

const WhsprRequestSchema = `{
  "type": "object",
  "properties": {
    "audio": {"type": "string"},
    "guid": {"type": "string"}
  },
  "required": ["audio"]
}`

const WhsprRemoteRequestSchema = `{
  "type": "object",
  "properties": {
    "remote_url": {"type": "string"},
    "guid": {"type": "string"},
    "authAllowed": {"type": "boolean"},
    "authCategory": {"type": "integer"}
  },
  "required": ["remote_url"]
}`

const WhsprResultSchema = `{
  "type": "object",
  "properties": {
    "channels": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "alternatives": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "transcript": {"type": "string"}
              }
            }
          }
        }
      }
    }
  },
  "required": ["channels"]
}`
