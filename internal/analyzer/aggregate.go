package analyzer

// EnrichedRecord is a match with its surrounding conversation.
type EnrichedRecord struct {
	CoreRecord `yaml:",inline"`
	Before     []ContextRecord `json:"before" yaml:"before"`
	After      []ContextRecord `json:"after" yaml:"after"`
}

// Result is the analysis output for one contact.
type Result struct {
	Contact   ContactRecord    `json:"contact" yaml:"contact"`
	Table     string           `json:"table" yaml:"table"`
	TableRows int64            `json:"table_rows" yaml:"table_rows"`
	Records   []EnrichedRecord `json:"records" yaml:"records"`
}

// TableOutput is what retrieval and backtracking produced for one table.
type TableOutput struct {
	Core    []CoreRecord
	Context map[int64]Surroundings
}

// Aggregate assembles one Result per validated table, in validation order.
// Tables without output (because they failed) are left out.
func Aggregate(mapping Mapping, valid []TableInfo, outputs map[string]TableOutput) []Result {
	results := make([]Result, 0, len(valid))
	for _, t := range valid {
		out, ok := outputs[t.Name]
		if !ok {
			continue
		}
		records := make([]EnrichedRecord, 0, len(out.Core))
		for _, c := range out.Core {
			s := out.Context[c.RowID]
			records = append(records, EnrichedRecord{
				CoreRecord: c,
				Before:     s.Before,
				After:      s.After,
			})
		}
		results = append(results, Result{
			Contact:   mapping[t.Name],
			Table:     t.Name,
			TableRows: t.Rows,
			Records:   records,
		})
	}
	return results
}

// MatchCount returns the number of matched messages.
func (r Result) MatchCount() int { return len(r.Records) }
