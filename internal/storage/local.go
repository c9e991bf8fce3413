// Package storage はアップロード文書とジョブ作業領域をローカルファイルシステム上で管理します。
package storage

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	manifestFilename = "manifest.json"
	jobsDirName      = "jobs"
	documentsDirName = "documents"
)

var (
	// ErrTooLarge はアップロードが上限サイズを超えた場合のエラーです。
	ErrTooLarge = errors.New("file exceeds the size limit")
	// ErrInvalidID はジョブIDの形式が正しくない場合のエラーです。
	ErrInvalidID = errors.New("invalid job id")
)

// Local はルートディレクトリ配下の documents/ と jobs/<jobID>/out/ を扱います。
type Local struct {
	root string
}

// Workspace は1ジョブ分の作業ディレクトリです。
type Workspace struct {
	JobID  string
	Dir    string
	OutDir string
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	for _, dir := range []string{filepath.Join(root, jobsDirName), filepath.Join(root, documentsDirName)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("保存先ディレクトリの作成に失敗しました: %w", err)
		}
	}
	return &Local{root: root}, nil
}

// CreateWorkspace は新しいジョブIDで作業ディレクトリを作成します。
func (l *Local) CreateWorkspace() (Workspace, error) {
	ws := l.workspaceFor(uuid.NewString())
	if err := os.MkdirAll(ws.OutDir, 0o750); err != nil {
		return Workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	return ws, nil
}

// Workspace は既存ジョブの作業ディレクトリを返します。
func (l *Local) Workspace(jobID string) (Workspace, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return Workspace{}, fmt.Errorf("%w: %s", ErrInvalidID, jobID)
	}
	return l.workspaceFor(jobID), nil
}

func (l *Local) workspaceFor(jobID string) Workspace {
	dir := filepath.Join(l.root, jobsDirName, jobID)
	return Workspace{JobID: jobID, Dir: dir, OutDir: filepath.Join(dir, "out")}
}

// WriteManifest はジョブの入力情報を manifest.json に保存します。
func (l *Local) WriteManifest(ws Workspace, manifest any) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	file, err := os.OpenFile(filepath.Join(ws.Dir, manifestFilename), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

// LoadManifest は manifest.json を v に読み込みます。
func (l *Local) LoadManifest(jobID string, v any) error {
	ws, err := l.Workspace(jobID)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(ws.Dir, manifestFilename))
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	return nil
}

// OpenOutput はジョブの成果物を開き、サイズとともに返します。
func (l *Local) OpenOutput(jobID, filename string) (*os.File, int64, error) {
	ws, err := l.Workspace(jobID)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(filepath.Join(ws.OutDir, filepath.Base(filename)))
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// Remove はジョブの作業ディレクトリを削除します。
func (l *Local) Remove(jobID string) error {
	ws, err := l.Workspace(jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(ws.Dir)
}

// RemoveAfter は d 経過後に作業ディレクトリを削除します。
func (l *Local) RemoveAfter(jobID string, d time.Duration) {
	time.AfterFunc(d, func() {
		_ = l.Remove(jobID)
	})
}

// SaveUpload はアップロードされたファイルを documents/ に保存し、そのパスを返します。
func (l *Local) SaveUpload(file *multipart.FileHeader, maxSize int64) (string, error) {
	if maxSize > 0 && file.Size > maxSize {
		return "", ErrTooLarge
	}
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("アップロードファイルを開けませんでした: %w", err)
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(file.Filename))
	path := filepath.Join(l.root, documentsDirName, uuid.NewString()+ext)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("保存先ファイルの作成に失敗しました: %w", err)
	}

	var r io.Reader = src
	if maxSize > 0 {
		r = io.LimitReader(src, maxSize+1)
	}
	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxSize > 0 && n > maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("アップロードファイルの保存に失敗しました: %w", err)
	}
	return path, nil
}

// CreateZip は files をファイル名順に outputPath の ZIP へまとめます。
func CreateZip(outputPath string, files []string) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("zipファイルの作成に失敗しました: %w", err)
	}
	defer outFile.Close()

	zipWriter := zip.NewWriter(outFile)
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, path := range sorted {
		if err := addZipEntry(zipWriter, path); err != nil {
			return err
		}
	}
	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("zipの書き込みに失敗しました: %w", err)
	}
	return nil
}

func addZipEntry(zw *zip.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
	}
	header.Name = filepath.Base(path)
	// PNG は圧縮済みなので格納のみ
	header.Method = zip.Store

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
	}
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
	}
	return nil
}
