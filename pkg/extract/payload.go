package extract

// ChunkPayload is the wire structure one extraction call returns for a single
// chunk. It is untrusted until it has passed through the Validator.
type ChunkPayload struct {
	Entities      []PayloadEntity   `json:"entities" jsonschema_description:"Entities identified in the chunk"`
	Relationships []PayloadRelation `json:"relationships" jsonschema_description:"Relationships identified in the chunk"`
}

// PayloadEntity is one entity mention as emitted by the model.
type PayloadEntity struct {
	ID          string `json:"id" jsonschema_description:"Short local identifier for this mention, unique within the payload"`
	Label       string `json:"label" jsonschema_description:"One of the provided entity types"`
	Name        string `json:"name" jsonschema_description:"Name of the entity as supported by the text"`
	Description string `json:"description" jsonschema_description:"Comprehensive description of the entity's attributes, activities and information provided by the text"`
}

// PayloadRelation is one relationship as emitted by the model. Source and
// Target reference PayloadEntity ids from the same payload. Confidence is a
// pointer so an absent score can be told apart from an explicit zero.
type PayloadRelation struct {
	Type       string   `json:"type" jsonschema_description:"One of the provided relationship types"`
	Source     string   `json:"source" jsonschema_description:"Id of the source entity"`
	Target     string   `json:"target" jsonschema_description:"Id of the target entity"`
	Confidence *float64 `json:"confidence,omitempty" jsonschema_description:"Numeric score between 0.0 and 1.0 indicating how strongly the text supports the relationship"`
	Evidence   string   `json:"evidence" jsonschema_description:"Sentence or phrase from the text that supports the relationship"`
}
