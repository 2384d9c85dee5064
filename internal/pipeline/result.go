package pipeline

// Field is one named value of a result row.
type Field struct {
	Name  string
	Value any
}

// Row is an ordered field list. Rows from one query may carry different
// field sets; the orchestration layer does not fix a schema.
type Row struct {
	fields []Field
}

func NewRow(fields ...Field) Row {
	return Row{fields: append([]Field(nil), fields...)}
}

func (r Row) Fields() []Field { return r.fields }

func (r Row) Len() int { return len(r.fields) }

func (r Row) Get(name string) (any, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (r Row) Names() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.Name
	}
	return names
}

// Response is what a storage executor may hand back: bare Rows, a Reply
// pair, or an already canonical Result.
type Response interface {
	isResponse()
}

// Rows is the bare row sequence shape.
type Rows []Row

// Reply is the (success, payload) shape. When Success is false Message
// carries the failure text.
type Reply struct {
	Success bool
	Rows    []Row
	Message string
}

// Result is the canonical Ok(rows) | Err(message) value.
type Result struct {
	ok      bool
	rows    []Row
	message string
}

func (Rows) isResponse()   {}
func (Reply) isResponse()  {}
func (Result) isResponse() {}

func Ok(rows []Row) Result { return Result{ok: true, rows: rows} }

func Err(message string) Result { return Result{message: message} }

func (r Result) IsOk() bool      { return r.ok }
func (r Result) Rows() []Row     { return r.rows }
func (r Result) Message() string { return r.message }

const defaultFailureMessage = "query execution failed"

// Normalize folds every response shape into a Result. A Result passes
// through unchanged.
func Normalize(resp Response) Result {
	switch v := resp.(type) {
	case nil:
		return Ok(nil)
	case Result:
		return v
	case Rows:
		return Ok([]Row(v))
	case Reply:
		if v.Success {
			return Ok(v.Rows)
		}
		if v.Message == "" {
			return Err(defaultFailureMessage)
		}
		return Err(v.Message)
	default:
		return Err(defaultFailureMessage)
	}
}
