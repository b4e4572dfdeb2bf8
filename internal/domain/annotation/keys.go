package annotation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// inputKeySeparator separates the unique upload prefix from the original file
// name in an input object key.
const inputKeySeparator = "~"

// InputKeyTemplate returns the key template handed to the browser for a direct
// upload. The literal "${filename}" is substituted by the object store.
func InputKeyTemplate(prefix, userID string, uploadID uuid.UUID) string {
	return fmt.Sprintf("%s%s/%s%s${filename}", prefix, userID, uploadID, inputKeySeparator)
}

// InputKey describes the parts of an uploaded input object key of the form
// <prefix><user_id>/<upload_id>~<file_name>.
type InputKey struct {
	UserID   string
	FileName string
}

// ParseInputKey extracts the owning user and original file name from key.
// The prefix may itself contain slashes; the user id is the path segment
// immediately preceding the final segment.
func ParseInputKey(prefix, key string) (InputKey, error) {
	if !strings.HasPrefix(key, prefix) {
		return InputKey{}, fmt.Errorf("%w: key %q does not start with prefix %q", ErrMalformedKey, key, prefix)
	}

	rest := strings.TrimPrefix(key, prefix)
	userID, object, ok := strings.Cut(rest, "/")
	if !ok || userID == "" || strings.Contains(object, "/") {
		return InputKey{}, fmt.Errorf("%w: key %q is not <prefix><user>/<object>", ErrMalformedKey, key)
	}

	idx := strings.LastIndex(object, inputKeySeparator)
	if idx < 0 || idx == len(object)-1 {
		return InputKey{}, fmt.Errorf("%w: key %q has no file name", ErrMalformedKey, key)
	}

	return InputKey{UserID: userID, FileName: object[idx+1:]}, nil
}

// FileBase returns the file name up to its first dot.
func FileBase(fileName string) string {
	base, _, _ := strings.Cut(fileName, ".")
	return base
}

// ResultFileName is the name the annotation tool gives its output for input fileName.
func ResultFileName(fileName string) string { return FileBase(fileName) + ".annot.vcf" }

// LogFileName is the name the annotation tool gives its log for input fileName.
func LogFileName(fileName string) string { return FileBase(fileName) + ".vcf.count.log" }

// ResultKey is the results bucket key for a job's annotated output.
func ResultKey(prefix, userID string, jobID uuid.UUID, fileName string) string {
	return fmt.Sprintf("%s%s/%s/%s", prefix, userID, jobID, ResultFileName(fileName))
}

// LogKey is the results bucket key for a job's annotation log.
func LogKey(prefix, userID string, jobID uuid.UUID, fileName string) string {
	return fmt.Sprintf("%s%s/%s/%s", prefix, userID, jobID, LogFileName(fileName))
}
