package blpp

import (
	"fmt"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	"kr.dev/diff"
)

func Example() {
	fsys := fstest.MapFS{
		"example.blcs": &fstest.MapFile{Data: []byte("" +
			"##blcs\n" +
			"##define greet(name) echo(\"hello, \" #@ #%name);\n" +
			"#greet(\"world\")\n",
		)},
	}

	files, err := New(fsys).Run("example.blcs")
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(strings.TrimSpace(Emit(files[0].Tokens)))

	// Output:
	// echo("hello, world");
}

func mapFS(files map[string]string) fstest.MapFS {
	fsys := make(fstest.MapFS, len(files))
	for name, data := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(data)}
	}
	return fsys
}

func TestRunSingleFile(t *testing.T) {
	fsys := mapFS(map[string]string{
		"main.blcs": "##blcs\n##define MAX 9\nreturn #MAX;",
	})

	files, err := New(fsys).Run("main.blcs")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "main.blcs", files[0].Path)
	diff.Test(t, t.Errorf, summarize(files[0].Tokens), []string{"return@3", "9@3", ";@3"})
}

func TestRunCrossFileMacro(t *testing.T) {
	fsys := mapFS(map[string]string{
		"main.blcs": "##blcs\n##use \"lib.blcs\"\n#GREET",
		"lib.blcs":  "##blcs\n##define GREET \"hello\"",
	})

	files, err := New(fsys).Run("main.blcs")
	require.NoError(t, err)
	require.Len(t, files, 2)

	diff.Test(t, t.Errorf, summarize(files[0].Tokens), []string{`"hello"@3`})

	// The library file is all directives; it processes to nothing.
	require.Equal(t, "lib.blcs", files[1].Path)
	require.Empty(t, files[1].Tokens)
	require.Equal(t, "", files[1].Render())
}

func TestRunUseResolvesAgainstEntryDirectory(t *testing.T) {
	// lib.blcs imports "util.blcs" and the path still resolves against
	// the entry file's directory, not lib's own.
	fsys := mapFS(map[string]string{
		"scripts/main.blcs": "##blcs\n##use \"lib.blcs\"\n#ANSWER;",
		"scripts/lib.blcs":  "##blcs\n##use \"util.blcs\"",
		"scripts/util.blcs": "##blcs\n##define ANSWER 42",
	})

	files, err := New(fsys).Run("scripts/main.blcs")
	require.NoError(t, err)
	require.Len(t, files, 3)
	diff.Test(t, t.Errorf, summarize(files[0].Tokens), []string{"42@3", ";@3"})
}

func TestRunUseCycleIsHarmless(t *testing.T) {
	// Imports may be mutual; the visited set keeps the walk finite and
	// each file still sees the merged table.
	fsys := mapFS(map[string]string{
		"a.blcs": "##blcs\n##use \"b.blcs\"\n##define A 1\n#B;",
		"b.blcs": "##blcs\n##use \"a.blcs\"\n##define B 2\n#A;",
	})

	files, err := New(fsys).Run("a.blcs")
	require.NoError(t, err)
	require.Len(t, files, 2)
	diff.Test(t, t.Errorf, summarize(files[0].Tokens), []string{"2@4", ";@4"})
	diff.Test(t, t.Errorf, summarize(files[1].Tokens), []string{"1@4", ";@4"})
}

func TestRunDuplicateAcrossFiles(t *testing.T) {
	fsys := mapFS(map[string]string{
		"main.blcs": "##blcs\n##use \"lib.blcs\"\n##define GREET 1\n#GREET;",
		"lib.blcs":  "##blcs\n##define GREET 2",
	})

	_, err := New(fsys).Run("main.blcs")
	require.Error(t, err)
	require.True(t, IsKind(err, ErrMultipleDefinitions), "got %v", err)

	var fe *FileError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "lib.blcs", fe.Path)
}

func TestRunFileErrors(t *testing.T) {
	t.Run("missing entry", func(t *testing.T) {
		_, err := New(mapFS(nil)).Run("main.blcs")
		require.Error(t, err)
		require.True(t, IsKind(err, ErrFileNotFound), "got %v", err)
	})

	t.Run("missing import", func(t *testing.T) {
		fsys := mapFS(map[string]string{
			"main.blcs": "##blcs\n##use \"lib.blcs\"\n",
		})
		_, err := New(fsys).Run("main.blcs")
		require.Error(t, err)
		require.True(t, IsKind(err, ErrFileNotFound), "got %v", err)

		var fe *FileError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, "lib.blcs", fe.Path)
	})

	t.Run("wrong extension", func(t *testing.T) {
		fsys := mapFS(map[string]string{
			"main.blcs": "##blcs\n##use \"lib.txt\"\n",
			"lib.txt":   "##blcs\n",
		})
		_, err := New(fsys).Run("main.blcs")
		require.Error(t, err)
		require.True(t, IsKind(err, ErrFileExtension), "got %v", err)
	})

	t.Run("custom extension", func(t *testing.T) {
		fsys := mapFS(map[string]string{
			"main.bl": "##blcs\nx;",
		})
		files, err := New(fsys, WithExtension(".bl")).Run("main.bl")
		require.NoError(t, err)
		require.Len(t, files, 1)
	})

	t.Run("parse error carries file and line", func(t *testing.T) {
		fsys := mapFS(map[string]string{
			"main.blcs": "##blcs\n##bogus\n",
		})
		_, err := New(fsys).Run("main.blcs")
		require.Error(t, err)
		require.Equal(t, "main.blcs:2: unknown directive \"##bogus\"", err.Error())
	})
}

func TestFileRender(t *testing.T) {
	fsys := mapFS(map[string]string{
		"main.blcs": "##blcs\n##define MAX 9\nreturn #MAX;",
	})
	files, err := New(fsys).Run("main.blcs")
	require.NoError(t, err)

	out := files[0].Render()
	require.True(t, strings.HasPrefix(out, topComment+"\n"), "missing top banner: %q", out)
	require.True(t, strings.HasSuffix(out, "\n\n"+bottomComment), "missing bottom banner: %q", out)
	require.Contains(t, out, "return9;")
}

func TestFileOutputPath(t *testing.T) {
	require.Equal(t, "main.cs", File{Path: "main.blcs"}.OutputPath())
	require.Equal(t, "scripts/lib.cs", File{Path: "scripts/lib.blcs"}.OutputPath())
}
