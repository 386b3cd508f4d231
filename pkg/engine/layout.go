package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// RootEnv переменная окружения с корнем каталогов движка
	RootEnv = "UNIMRCP_ROOT"
	// DefaultRoot корень по умолчанию
	DefaultRoot = "configs/unimrcp"
)

// DirLayout раскладка каталогов движка относительно корня
type DirLayout struct {
	Root    string
	ConfDir string
	LogDir  string
	DataDir string
	VarDir  string
}

// NewDirLayout строит раскладку из корня. Пустой корень заменяется на DefaultRoot.
func NewDirLayout(root string) DirLayout {
	if root == "" {
		root = DefaultRoot
	}
	return DirLayout{
		Root:    root,
		ConfDir: filepath.Join(root, "conf"),
		LogDir:  filepath.Join(root, "log"),
		DataDir: filepath.Join(root, "data"),
		VarDir:  filepath.Join(root, "var"),
	}
}

// DirLayoutFromEnv строит раскладку из UNIMRCP_ROOT
func DirLayoutFromEnv() DirLayout {
	return NewDirLayout(os.Getenv(RootEnv))
}

// ProfilesPath путь к файлу профилей клиента
func (l DirLayout) ProfilesPath() string {
	return filepath.Join(l.ConfDir, "client-profiles.toml")
}

// Check проверяет, что каталог конфигурации существует
func (l DirLayout) Check() error {
	info, err := os.Stat(l.ConfDir)
	if err != nil {
		return fmt.Errorf("каталог конфигурации движка: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s не является каталогом", l.ConfDir)
	}
	return nil
}
