package binlog

import (
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"
)

type queryKind int

const (
	queryOther queryKind = iota
	queryBegin
	queryCommit
	queryDDL
)

// query is a classified QUERY_EVENT statement
type query struct {
	kind     queryKind
	database string // qualifier from the statement, if any
	table    string
}

var parser *sqlparser.Parser

func init() {
	var err error
	parser, err = sqlparser.New(sqlparser.Options{})
	if err != nil {
		panic("failed to initialize Vitess parser: " + err.Error())
	}
}

var ddlKeywords = map[string]bool{
	"CREATE":   true,
	"ALTER":    true,
	"DROP":     true,
	"RENAME":   true,
	"TRUNCATE": true,
}

// classifyQuery decides what a statement logged in a QUERY_EVENT means for
// the row stream. Statements the parser rejects fall back to their leading
// keyword.
func classifyQuery(sql string) query {
	stripped := stripComments(sql)
	upper := strings.ToUpper(stripped)
	switch upper {
	case "BEGIN", "START TRANSACTION":
		return query{kind: queryBegin}
	case "COMMIT":
		return query{kind: queryCommit}
	}

	stmt, err := parser.Parse(stripped)
	if err != nil {
		if ddlKeywords[firstWord(upper)] {
			return query{kind: queryDDL}
		}
		return query{kind: queryOther}
	}

	switch parsed := stmt.(type) {
	case *sqlparser.Begin:
		return query{kind: queryBegin}
	case *sqlparser.Commit:
		return query{kind: queryCommit}

	case *sqlparser.RenameTable:
		q := query{kind: queryDDL}
		if len(parsed.TablePairs) > 0 {
			q.table = parsed.TablePairs[0].FromTable.Name.String()
			q.database = parsed.TablePairs[0].FromTable.Qualifier.String()
		}
		return q

	case *sqlparser.DropTable:
		q := query{kind: queryDDL}
		if len(parsed.FromTables) > 0 {
			q.table = parsed.FromTables[0].Name.String()
			q.database = parsed.FromTables[0].Qualifier.String()
		}
		return q

	case sqlparser.DDLStatement:
		q := query{kind: queryDDL}
		table := parsed.GetTable()
		if !table.IsEmpty() {
			q.table = table.Name.String()
			q.database = table.Qualifier.String()
		}
		return q

	case *sqlparser.CreateDatabase:
		return query{kind: queryDDL, database: parsed.DBName.String()}
	case *sqlparser.DropDatabase:
		return query{kind: queryDDL, database: parsed.DBName.String()}
	case *sqlparser.AlterDatabase:
		return query{kind: queryDDL, database: parsed.DBName.String()}
	}
	return query{kind: queryOther}
}

// stripComments removes leading /* */, -- and # comments
func stripComments(sql string) string {
	s := strings.TrimSpace(sql)
	for {
		switch {
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return s
			}
			s = strings.TrimSpace(s[idx+2:])
		case strings.HasPrefix(s, "--"), strings.HasPrefix(s, "#"):
			idx := strings.Index(s, "\n")
			if idx < 0 {
				return ""
			}
			s = strings.TrimSpace(s[idx+1:])
		default:
			return strings.TrimRight(s, "; \t\n")
		}
	}
}

func firstWord(s string) string {
	if idx := strings.IndexAny(s, " \t\n("); idx >= 0 {
		return s[:idx]
	}
	return s
}
