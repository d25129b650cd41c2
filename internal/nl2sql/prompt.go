package nl2sql

import (
	"strings"
)

// SystemPrompt sets the model's role and output rules.
const SystemPrompt = `You are an expert SQL assistant who turns natural language questions into accurate SQL queries.
Write a query for the database described in the schema below.
Return only the SQL statement, with no explanation.
Follow these rules:
1. Use the correct table and column names.
2. Return meaningful columns, not just ids.
3. Handle ordering and grouping correctly.
4. Use appropriate WHERE conditions.`

// Example is a question already answered with SQL that the model can imitate.
type Example struct {
	Question string
	SQL      string
}

// SeedExamples are shown when retrieval has nothing to offer yet.
var SeedExamples = []Example{
	{
		Question: "List album creation dates ordered by album id",
		SQL:      "SELECT album_date_created, album_id FROM raw_albums ORDER BY album_id;",
	},
	{
		Question: "List album titles ordered by number of listeners",
		SQL:      "SELECT album_listens, album_title FROM raw_albums ORDER BY album_listens;",
	},
}

// BuildPrompt lays out the schema, then the worked examples in the given
// order, then the question.
func BuildPrompt(schemaText string, examples []Example, question string) string {
	var b strings.Builder
	b.WriteString("Database schema:\n")
	b.WriteString(schemaText)
	b.WriteString("\n\n")
	if len(examples) > 0 {
		b.WriteString("Examples:\n")
		for _, ex := range examples {
			b.WriteString("Question: ")
			b.WriteString(ex.Question)
			b.WriteString("\nSQL: ")
			b.WriteString(ex.SQL)
			b.WriteString("\n\n")
		}
	}
	b.WriteString("Write SQL for the following question:\n")
	b.WriteString(strings.TrimSpace(question))
	return b.String()
}
