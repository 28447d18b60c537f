package ai

const ExtractPrompt = `
# Task Context
You are tasked with extracting **structured entity and relationship information** from a chunk of a threat intelligence report. The process must capture **all details explicitly present in the text**, without omission.

# Background Data
- **Entity_types:** [%s]
- **Relationship_types:** [%s]

# Detailed Task Description & Rules

## Entity Extraction
1. Identify all entities of the specified types [%s].
2. For each entity, extract:
   - **id:** A short local identifier for this mention, unique within this output (e.g., "e1", "e2").
   - **label:** One of the provided entity types. Never invent a type outside the list.
   - **name:** The name of the entity exactly as the text supports it.
   - **description:** A comprehensive description of all attributes, roles, activities, events, timelines, or other explicit details in the text. Do **not** omit any explicit information.

## Relationship Extraction
1. From the identified entities, determine all clear relationships between pairs of entities.
2. For each relationship, extract:
   - **type:** One of the provided relationship types. Never invent a type outside the list.
   - **source:** the id of the source entity.
   - **target:** the id of the target entity.
   - **confidence:** a numeric score (0.0-1.0) indicating how strongly the text supports the relationship (higher = stronger).
   - **evidence:** the sentence or phrase from the text that supports the relationship.
3. Source and target must reference ids from the "entities" array. Never reference an id that is not listed.
4. Never relate an entity to itself.
5. If no relationships are explicitly supported, return an **empty array** for "relationships".

# Examples
**Entity_types:** ThreatOrganization, Tool, Target
**Relationship_types:** USE, ATTACK
**Text:**
The Winos group deployed Cobalt Strike against a regional energy provider during the May campaign.

**Output:**
{
  "entities": [
    {
      "id": "e1",
      "label": "ThreatOrganization",
      "name": "Winos",
      "description": "The Winos group ran a campaign in May during which it deployed Cobalt Strike against a regional energy provider."
    },
    {
      "id": "e2",
      "label": "Tool",
      "name": "Cobalt Strike",
      "description": "Cobalt Strike was deployed by the Winos group against a regional energy provider."
    },
    {
      "id": "e3",
      "label": "Target",
      "name": "regional energy provider",
      "description": "A regional energy provider attacked by the Winos group using Cobalt Strike during the May campaign."
    }
  ],
  "relationships": [
    {
      "type": "USE",
      "source": "e1",
      "target": "e2",
      "confidence": 0.9,
      "evidence": "The Winos group deployed Cobalt Strike against a regional energy provider during the May campaign."
    },
    {
      "type": "ATTACK",
      "source": "e1",
      "target": "e3",
      "confidence": 0.9,
      "evidence": "The Winos group deployed Cobalt Strike against a regional energy provider during the May campaign."
    }
  ]
}

# Thinking Step by Step
Think step-by-step and extract all entities and relationships as specified.

# Output Formatting
The output must be a single valid JSON object in this structure:
{
  "entities": [
    {
      "id": "string",
      "label": "string",
      "name": "string",
      "description": "string"
    }
  ],
  "relationships": [
    {
      "type": "string",
      "source": "string",
      "target": "string",
      "confidence": "float",
      "evidence": "string"
    }
  ]
}
Do not include any commentary, explanations, or text outside of the JSON.
Always return valid JSON, even if no entities or relationships are found (use empty arrays in that case).
Make sure to follow the rules and output format carefully.
`

const ReextractPrompt = `
# Task Context
Your previous extraction attempt for this text produced output that could not be accepted.

# Background Data
- **Rejection_reason:** %s

# Detailed Task Description & Rules
- Re-extract the entities and relationships from the text below, fixing the problem named in the rejection reason.
- Follow the original extraction rules exactly: only the provided entity and relationship types, relationship source and target must reference entity ids from the same output, no self-relationships, confidence between 0.0 and 1.0.
- Return the complete corrected output, not a diff.

# Output Formatting
Return a single valid JSON object in the original extraction structure. Do not include any commentary or text outside of the JSON.
`
