package tiledb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// CreateWorkspace creates a workspace directory with its sentinel.
func CreateWorkspace(fs StorageFS, dir string) error {
	if err := fs.CreateDir(dir); err != nil {
		return err
	}
	return fs.CreateFile(dir + "/" + WorkspaceFilename)
}

// CreateGroup creates a group directory with its sentinel.
func CreateGroup(fs StorageFS, dir string) error {
	if err := fs.CreateDir(dir); err != nil {
		return err
	}
	return fs.CreateFile(dir + "/" + GroupFilename)
}

// IsWorkspace reports whether dir carries the workspace sentinel.
func IsWorkspace(fs StorageFS, dir string) bool {
	return fs.IsFile(dir + "/" + WorkspaceFilename)
}

// IsGroup reports whether dir carries the group sentinel.
func IsGroup(fs StorageFS, dir string) bool {
	return fs.IsFile(dir + "/" + GroupFilename)
}

// IsArray reports whether dir holds an array schema.
func IsArray(fs StorageFS, dir string) bool {
	return fs.IsFile(dir + "/" + ArraySchemaFilename)
}

// CreateArray validates the schema and publishes it under the array
// directory. On the local filesystem the schema file appears
// atomically.
func CreateArray(fs StorageFS, dir string, schema *ArraySchema) error {
	if err := schema.Check(); err != nil {
		return err
	}
	if fs.IsFile(dir + "/" + ArraySchemaFilename) {
		return fmt.Errorf("cannot create array %s: already exists", dir)
	}
	if !fs.IsDir(dir) {
		if err := fs.CreateDir(dir); err != nil {
			return err
		}
	}
	data := schema.Serialize()
	schemaPath := dir + "/" + ArraySchemaFilename
	if _, ok := fs.(*PosixFS); ok {
		if err := renameio.WriteFile(filepath.FromSlash(schemaPath), data, os.FileMode(0o644)); err != nil {
			return fmt.Errorf("cannot write array schema for %s: %w", dir, err)
		}
	} else {
		if err := fs.Write(schemaPath, data); err != nil {
			return err
		}
		if err := fs.CloseFile(schemaPath); err != nil {
			return err
		}
	}
	return fs.CreateFile(dir + "/" + ArrayFilename)
}

// LoadArraySchema reads and decodes the schema of an array directory.
func LoadArraySchema(fs StorageFS, dir string) (*ArraySchema, error) {
	schemaPath := dir + "/" + ArraySchemaFilename
	size, err := fs.Size(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load array schema from %s: %w", dir, err)
	}
	data := make([]byte, size)
	if err := fs.ReadAt(schemaPath, 0, data); err != nil {
		return nil, err
	}
	return DeserializeSchema(data)
}

// DeleteArray removes an array directory and drops its cached
// book-keeping.
func DeleteArray(fs StorageFS, dir string) error {
	schema, err := LoadArraySchema(fs, dir)
	if err == nil {
		if names, err := fragmentNames(fs, dir); err == nil {
			for _, name := range names {
				bkCache.drop(schema.Workspace, dir+"/"+name)
			}
		}
	}
	return fs.DeleteDir(dir)
}
