package stencil

// Stmt is a statement node
type Stmt interface {
	stmtNode()
	StmtLine() int
}

// VarStmt declares a new variable in the current scope
type VarStmt struct {
	Name  string
	Value Expr
	Line  int
}

// AssignStmt assigns to an existing variable, index or field
type AssignStmt struct {
	Target Expr
	Value  Expr
	Line   int
}

// IfStmt is a conditional with an optional else branch
type IfStmt struct {
	Cond Expr
	Then []Stmt
	Else []Stmt
	Line int
}

// ForStmt iterates a list (value) or a map (key, value)
type ForStmt struct {
	Key  string // optional, "" when only one loop variable
	Val  string
	Seq  Expr
	Body []Stmt
	Line int
}

// ExprStmt evaluates an expression for its side effects
type ExprStmt struct {
	X    Expr
	Line int
}

func (*VarStmt) stmtNode()    {}
func (*AssignStmt) stmtNode() {}
func (*IfStmt) stmtNode()     {}
func (*ForStmt) stmtNode()    {}
func (*ExprStmt) stmtNode()   {}

func (s *VarStmt) StmtLine() int    { return s.Line }
func (s *AssignStmt) StmtLine() int { return s.Line }
func (s *IfStmt) StmtLine() int     { return s.Line }
func (s *ForStmt) StmtLine() int    { return s.Line }
func (s *ExprStmt) StmtLine() int   { return s.Line }

// Expr is an expression node
type Expr interface {
	exprNode()
	ExprLine() int
}

// Lit is a literal value (nil, bool, float64 or string)
type Lit struct {
	Value any
	Line  int
}

// Ident references a variable
type Ident struct {
	Name string
	Line int
}

// ListLit is a list literal
type ListLit struct {
	Elems []Expr
	Line  int
}

// Unary is a prefix operation (! or -)
type Unary struct {
	Op   string
	X    Expr
	Line int
}

// Binary is an infix operation
type Binary struct {
	Op   string
	X, Y Expr
	Line int
}

// Call invokes a callable value
type Call struct {
	Fn   Expr
	Args []Expr
	Line int
}

// Index is x[key]
type Index struct {
	X, Key Expr
	Line   int
}

// Dot is x.name, sugar for map access
type Dot struct {
	X    Expr
	Name string
	Line int
}

func (*Lit) exprNode()     {}
func (*Ident) exprNode()   {}
func (*ListLit) exprNode() {}
func (*Unary) exprNode()   {}
func (*Binary) exprNode()  {}
func (*Call) exprNode()    {}
func (*Index) exprNode()   {}
func (*Dot) exprNode()     {}

func (e *Lit) ExprLine() int     { return e.Line }
func (e *Ident) ExprLine() int   { return e.Line }
func (e *ListLit) ExprLine() int { return e.Line }
func (e *Unary) ExprLine() int   { return e.Line }
func (e *Binary) ExprLine() int  { return e.Line }
func (e *Call) ExprLine() int    { return e.Line }
func (e *Index) ExprLine() int   { return e.Line }
func (e *Dot) ExprLine() int     { return e.Line }
