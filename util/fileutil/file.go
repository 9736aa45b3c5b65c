package fileutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/option/content"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

func ReadFileBytes(filename string) ([]byte, error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	buf := &bytes.Buffer{}
	_, readErr := io.Copy(buf, file)
	if readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), err
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// IsLocal reports whether the path can be handed to libraries that only understand
// regular filesystem paths, such as the onnxruntime session constructor.
func IsLocal(path string) bool {
	return GetPathType(path) == "os"
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		path = filepath.Join(elem...)
	}
	return path
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func DeleteFile(filename string) error {
	return fileSystem.Delete(context.Background(), filename)
}

func CreateFile(fileName string, isDir bool) error {
	return fileSystem.Create(context.Background(), fileName, os.ModePerm, isDir)
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

func NewFileWriter(filename string, contentType string) (io.WriteCloser, error) {
	exists, err := FileExists(filename)
	if err != nil {
		return nil, err
	}
	if exists {
		err = DeleteFile(filename)
		if err != nil {
			return nil, err
		}
	}
	if contentType != "" {
		return fileSystem.NewWriter(context.Background(), filename, 0o644, content.NewMeta(content.Type, contentType), option.NewSkipChecksum(true))
	}
	return fileSystem.NewWriter(context.Background(), filename, 0o644, option.NewSkipChecksum(true))
}

// WriteFileBytes writes data to filename, replacing any existing object.
func WriteFileBytes(filename string, contentType string, data []byte) (err error) {
	writer, err := NewFileWriter(filename, contentType)
	if err != nil {
		return err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(writer)
	_, err = writer.Write(data)
	return err
}
