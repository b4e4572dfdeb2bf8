package anntools

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/gas/pkg/common/logger"
)

const annotateScript = `#!/bin/sh
in="$1"
name=$(basename "$in")
base=${name%%.*}
echo "annotated" > "$(dirname "$in")/$base.annot.vcf"
echo "42 variants" > "$(dirname "$in")/$base.vcf.count.log"
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func writeInput(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "user-1", "job-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "sample.test.vcf")
	require.NoError(t, os.WriteFile(path, []byte("##fileformat=VCFv4.1\n"), 0o644))
	return path
}

func TestNewRunner_RequiresCommand(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(nil, logger.Noop())
	require.Error(t, err)
	_, err = NewRunner([]string{""}, logger.Noop())
	require.Error(t, err)
}

func TestRunner_Run(t *testing.T) {
	t.Parallel()

	r, err := NewRunner([]string{"/bin/sh", writeScript(t, annotateScript)}, logger.Noop())
	require.NoError(t, err)

	input := writeInput(t)
	out, err := r.Run(context.Background(), input)
	require.NoError(t, err)

	dir := filepath.Dir(input)
	assert.Equal(t, filepath.Join(dir, "sample.annot.vcf"), out.ResultPath)
	assert.Equal(t, filepath.Join(dir, "sample.vcf.count.log"), out.LogPath)

	data, err := os.ReadFile(out.ResultPath)
	require.NoError(t, err)
	assert.Equal(t, "annotated\n", string(data))
}

func TestRunner_Run_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		script  string
		wantErr error
		wantMsg string
	}{
		{
			name:    "non-zero exit",
			script:  "#!/bin/sh\necho 'bad vcf header' >&2\nexit 3\n",
			wantMsg: "bad vcf header",
		},
		{
			name:    "no output files",
			script:  "#!/bin/sh\nexit 0\n",
			wantErr: ErrMissingOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, err := NewRunner([]string{"/bin/sh", writeScript(t, tt.script)}, logger.Noop())
			require.NoError(t, err)

			_, err = r.Run(context.Background(), writeInput(t))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestRunner_Run_Cancelled(t *testing.T) {
	t.Parallel()

	r, err := NewRunner([]string{"/bin/sh", writeScript(t, "#!/bin/sh\nsleep 30\n")}, logger.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, writeInput(t))
	require.ErrorIs(t, err, context.Canceled)
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "defg", b.String())
}
