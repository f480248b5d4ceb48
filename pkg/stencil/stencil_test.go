package stencil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// render compiles and executes a template, capturing write output
func render(t *testing.T, src string) (string, error) {
	t.Helper()
	prog, err := Compile("test.stl", src)
	require.NoError(t, err)

	var out strings.Builder
	env := NewEnv()
	RegisterBuiltins(env)
	env.Define("write", Func(func(args ...any) (any, error) {
		for _, a := range args {
			out.WriteString(Stringify(a))
		}
		return nil, nil
	}))
	err = prog.Execute(env)
	return out.String(), err
}

func TestCompile_LiteralAndExpression(t *testing.T) {
	out, err := render(t, "Hello<%= 1+1 %>")
	require.NoError(t, err)
	assert.Equal(t, "Hello2", out)
}

func TestCompile_PlainText(t *testing.T) {
	out, err := render(t, "no tags here")
	require.NoError(t, err)
	assert.Equal(t, "no tags here", out)
}

func TestCompile_PartialDirective(t *testing.T) {
	prog, err := Compile("test.stl", "<%@ partial %>only for includes")
	require.NoError(t, err)
	assert.True(t, prog.Partial)

	prog, err = Compile("test.stl", "regular page")
	require.NoError(t, err)
	assert.False(t, prog.Partial)
}

func TestCompile_UnknownDirective(t *testing.T) {
	_, err := Compile("test.stl", "<%@ bogus %>")
	require.Error(t, err)
	var syntaxErr *SyntaxError
	assert.ErrorAs(t, err, &syntaxErr)
}

func TestCompile_UnterminatedTag(t *testing.T) {
	_, err := Compile("test.stl", "text <% var x = 1")
	require.Error(t, err)
	var syntaxErr *SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
	assert.Contains(t, syntaxErr.Msg, "unterminated")
}

func TestCompile_SyntaxErrorCarriesLine(t *testing.T) {
	_, err := Compile("test.stl", "line one\n<% var = 3 %>")
	require.Error(t, err)
	var syntaxErr *SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
	assert.Equal(t, 2, syntaxErr.Line)
}

func TestExecute_VarAndAssign(t *testing.T) {
	out, err := render(t, "<% var x = 3\nx = x * 4 %><%= x %>")
	require.NoError(t, err)
	assert.Equal(t, "12", out)
}

func TestExecute_AssignUndeclared(t *testing.T) {
	_, err := render(t, "<% y = 1 %>")
	require.Error(t, err)
	var rtErr *RuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Contains(t, rtErr.Msg, "undeclared")
}

func TestExecute_IfElseAcrossTags(t *testing.T) {
	src := "<% var n = 5 %><% if n > 3 { %>big<% } else { %>small<% } %>"
	out, err := render(t, src)
	require.NoError(t, err)
	assert.Equal(t, "big", out)

	src = "<% var n = 1 %><% if n > 3 { %>big<% } else { %>small<% } %>"
	out, err = render(t, src)
	require.NoError(t, err)
	assert.Equal(t, "small", out)
}

func TestExecute_ElseIfChain(t *testing.T) {
	src := `<% var n = 2
if n == 1 {
	write("one")
} else if n == 2 {
	write("two")
} else {
	write("many")
} %>`
	out, err := render(t, src)
	require.NoError(t, err)
	assert.Equal(t, "two", out)
}

func TestExecute_ForOverList(t *testing.T) {
	out, err := render(t, "<% for v in [1, 2, 3] { %><%= v %>,<% } %>")
	require.NoError(t, err)
	assert.Equal(t, "1,2,3,", out)
}

func TestExecute_ForWithIndex(t *testing.T) {
	out, err := render(t, `<% for i, v in ["a", "b"] { write(i, "=", v, " ") } %>`)
	require.NoError(t, err)
	assert.Equal(t, "0=a 1=b ", out)
}

func TestExecute_ForOverMapIsSorted(t *testing.T) {
	prog, err := Compile("test.stl", `<% for k, v in m { write(k, "=", v, ";") } %>`)
	require.NoError(t, err)

	var out strings.Builder
	env := NewEnv()
	env.Define("write", Func(func(args ...any) (any, error) {
		for _, a := range args {
			out.WriteString(Stringify(a))
		}
		return nil, nil
	}))
	env.Define("m", map[string]any{"b": 2.0, "a": 1.0, "c": 3.0})
	require.NoError(t, prog.Execute(env))
	assert.Equal(t, "a=1;b=2;c=3;", out.String())
}

func TestExecute_StringConcat(t *testing.T) {
	out, err := render(t, `<%= "n=" + 42 %>`)
	require.NoError(t, err)
	assert.Equal(t, "n=42", out)
}

func TestExecute_Precedence(t *testing.T) {
	out, err := render(t, "<%= 2 + 3 * 4 %> <%= (2 + 3) * 4 %>")
	require.NoError(t, err)
	assert.Equal(t, "14 20", out)
}

func TestExecute_Comparisons(t *testing.T) {
	out, err := render(t, `<%= 1 < 2 && "a" != "b" %>`)
	require.NoError(t, err)
	assert.Equal(t, "true", out)
}

func TestExecute_DivisionByZero(t *testing.T) {
	_, err := render(t, "<%= 1 / 0 %>")
	require.Error(t, err)
	var rtErr *RuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Contains(t, rtErr.Msg, "division by zero")
}

func TestExecute_UndefinedVariable(t *testing.T) {
	_, err := render(t, "<%= nothing %>")
	require.Error(t, err)
	var rtErr *RuntimeError
	assert.ErrorAs(t, err, &rtErr)
}

func TestExecute_IndexAndDot(t *testing.T) {
	prog, err := Compile("test.stl", `<%= user.name %>/<%= user["age"] %>/<%= items[1] %>`)
	require.NoError(t, err)

	var out strings.Builder
	env := NewEnv()
	env.Define("write", Func(func(args ...any) (any, error) {
		for _, a := range args {
			out.WriteString(Stringify(a))
		}
		return nil, nil
	}))
	env.Define("user", map[string]any{"name": "ada", "age": 36.0})
	env.Define("items", []any{"x", "y"})
	require.NoError(t, prog.Execute(env))
	assert.Equal(t, "ada/36/y", out.String())
}

func TestExecute_MissingMapKeyIsNull(t *testing.T) {
	prog, err := Compile("test.stl", `[<%= m.absent %>]`)
	require.NoError(t, err)

	var out strings.Builder
	env := NewEnv()
	env.Define("write", Func(func(args ...any) (any, error) {
		for _, a := range args {
			out.WriteString(Stringify(a))
		}
		return nil, nil
	}))
	env.Define("m", map[string]any{})
	require.NoError(t, prog.Execute(env))
	assert.Equal(t, "[]", out.String())
}

func TestExecute_Builtins(t *testing.T) {
	out, err := render(t, `<%= len("abcd") %> <%= str(5) + str(6) %> <%= num("7") + 1 %>`)
	require.NoError(t, err)
	assert.Equal(t, "4 56 8", out)
}

func TestExecute_FuncErrorBecomesRuntimeError(t *testing.T) {
	_, err := render(t, `<%= len() %>`)
	require.Error(t, err)
	var rtErr *RuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, "test.stl", rtErr.Path)
}

func TestExecute_Comments(t *testing.T) {
	out, err := render(t, "<% // nothing to see\nvar x = 1 %><%= x %>")
	require.NoError(t, err)
	assert.Equal(t, "1", out)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "2", Stringify(2.0))
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, `[1,"a"]`, Stringify([]any{1.0, "a"}))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy([]any{}))
	assert.True(t, Truthy(1.0))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy([]any{nil}))
}
