package change

// TableSchema holds column metadata for a table
type TableSchema struct {
	Database string
	Table    string
	Columns  []ColumnInfo
}

// ColumnInfo represents metadata for a single column
type ColumnInfo struct {
	Name     string
	Type     string
	Nullable bool
	IsPK     bool
}

// ColumnNames returns the column names in ordinal order.
func (s *TableSchema) ColumnNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the primary key column names in ordinal order.
func (s *TableSchema) PrimaryKey() []string {
	if s == nil {
		return nil
	}
	var pk []string
	for _, c := range s.Columns {
		if c.IsPK {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// Column looks up a column by name.
func (s *TableSchema) Column(name string) (ColumnInfo, bool) {
	if s == nil {
		return ColumnInfo{}, false
	}
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}
