package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemode-runtime/internal/policy"
)

func TestEscapeAttempts(t *testing.T) {
	r := newRunner(t, Options{})

	tests := []struct {
		name    string
		code    string
		setup   func(t *testing.T, dir string)
		wantErr error
		want    string
	}{
		{
			name:    "read /etc/shadow",
			code:    `print(require("fs").read_file("/etc/shadow"))`,
			wantErr: ErrPolicyViolation,
		},
		{
			name:    "dot-dot traversal",
			code:    `print(require("fs").read_file("../../../../../../etc/passwd"))`,
			wantErr: ErrPolicyViolation,
		},
		{
			name: "symlink out of the root",
			code: `print(require("fs").read_file("etc/passwd"))`,
			setup: func(t *testing.T, dir string) {
				require.NoError(t, os.Symlink("/etc", filepath.Join(dir, "etc")))
			},
			wantErr: ErrPolicyViolation,
		},
		{
			name:    "write outside the root",
			code:    `require("fs").write_file("/etc/codemode-escape", "x")`,
			wantErr: ErrPolicyViolation,
		},
		{
			name:    "host os library",
			code:    `local os = require("os") os.execute("id")`,
			wantErr: ErrPolicyViolation,
		},
		{
			name:    "loading files directly",
			code:    `dofile("/etc/passwd")`,
			wantErr: ErrRuntime,
		},
		{
			name: "host libraries are absent",
			code: `print(type(os), type(io), type(debug), type(dofile), type(loadfile))`,
			want: "nil\tnil\tnil\tnil\tnil\n",
		},
		{
			name: "write inside the root",
			code: `local fs = require("fs") fs.write_file("scratch.txt", "data") print(fs.read_file("scratch.txt"))`,
			want: "data\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.setup != nil {
				tt.setup(t, dir)
			}
			res, err := r.Execute(context.Background(), Request{
				Code:   tt.code,
				Policy: newPolicy(t, dir, policy.Spec{}),
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.NotNil(t, res)
				assert.NotContains(t, res.Stdout, "root:")
				return
			}
			require.NoError(t, err, res.Stderr)
			assert.Equal(t, tt.want, res.Stdout)
		})
	}
	assert.NoFileExists(t, "/etc/codemode-escape")
}

func TestConcurrentExecutionsGetDistinctIDs(t *testing.T) {
	r := newRunner(t, Options{MaxConcurrent: 2})
	dir := t.TempDir()
	p := newPolicy(t, dir, policy.Spec{})

	type out struct {
		res *Result
		err error
	}
	done := make(chan out, 2)
	for range 2 {
		go func() {
			res, err := r.Execute(context.Background(), Request{Code: `print("ok")`, Policy: p})
			done <- out{res, err}
		}()
	}

	var ids []string
	for range 2 {
		o := <-done
		require.NoError(t, o.err)
		ids = append(ids, o.res.ID)
	}
	assert.NotEqual(t, ids[0], ids[1])
}
