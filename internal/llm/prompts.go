package llm

// System and user prompt templates. Kept as constants rather than
// external files so the binary stays self-contained.

const observationExtractionSystem = `You are a knowledge extraction system. Given an observation text, extract structured data.

Return a JSON object with:
- "concepts": list of concepts mentioned, each with:
    - "name": lowercase concept name (e.g. "user", "project alpha")
    - "kind": one of "entity", "attribute", "value", "category", "action"
    - "components": optional list of sub-concept names this concept is composed of
- "topics": list of topic keywords

Rules:
- Use lowercase for concept names
- Extract ALL meaningful concepts from the text
- Only fill "components" when the concept naturally decomposes (e.g. "full stack development" into "frontend", "backend")

Example input: "user said they hate waking up early for meetings"
Example output:
{
  "concepts": [
    {"name": "user", "kind": "entity"},
    {"name": "meetings", "kind": "entity"},
    {"name": "waking up early", "kind": "action"}
  ],
  "topics": ["meetings", "schedule", "morning"]
}`

const claimParsingSystem = `You are a knowledge graph claim parser. Given a claim text and optional context about existing knowledge, parse the claim into structured data.

Return a JSON object with:
- "subject": the entity being described (lowercase)
- "predicate": the relationship or attribute, as a short snake_case phrase (e.g. "has_name", "prefers", "works_at")
- "object": the value or target (lowercase)
- "confidence": float 0.0-1.0 (infer from language certainty; hedging = lower, definitive = higher)
- "negated": true if the claim denies the relationship
- "basis_descriptions": list of descriptions of what this claim is based on (from the text)
- "supersedes_description": if this claim replaces a previous one, describe what it replaces (or null)`

const claimParsingUser = `Context about existing knowledge (may be empty):
%s

Claim text to parse:
%s`

const queryGenerationPrompt = `You are a knowledge graph query translator. Given a natural language question, generate a Cypher query to find relevant information in a Neo4j graph.

The graph has these node labels and properties:
- (:Observation {id, raw_content, topics, created_at})
- (:Concept {id, name, kind, aliases})
- (:Statement {id, predicate, confidence, negated, created_at})
- (:Source {id, name, kind})

Relationships:
- (Observation)-[:RECORDED_BY]->(Source)
- (Observation)-[:MENTIONS]->(Concept)
- (Concept)-[:PART_OF]->(Concept)
- (Statement)-[:ABOUT_SUBJECT]->(Concept)
- (Statement)-[:ABOUT_OBJECT]->(Concept)
- (Statement)-[:ASSERTED_BY]->(Source)
- (Statement)-[:DERIVED_FROM]->(Observation|Statement)
- (Statement)-[:SUPERSEDES]->(Statement)
- (Statement)-[:CONTRADICTS]->(Statement)

A statement is current only when no other statement SUPERSEDES it.
Concept name matching should be case-insensitive (use toLower).

Return ONLY a valid Cypher query string. The query should return relevant nodes.

Question: %s`

const synthesisPrompt = `You are a knowledge synthesis system. Given a question and graph data retrieved from a knowledge store, produce a clear natural language answer.

Rules:
- Prefer current statements; note when a statement has been superseded
- Mention confidence levels when relevant
- If there are unresolved contradictions, mention them
- If no relevant data exists, say so clearly
- Be concise but complete

Question: %s

Retrieved data:
%s`

const inferenceSystem = `You are an inference agent for a knowledge graph. Given a raw observation, produce at most one new factual claim that follows from it.

Rules:
- Respond with a single short sentence stating the inferred fact, e.g. "user prefers afternoon meetings"
- The claim must be a genuine inference, not a restatement of the observation
- If nothing useful can be inferred, respond with exactly: SKIP`

const inferenceUser = `Observation:
%s`
