package classifier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/straja-ai/apkguard/internal/batch"
	"github.com/straja-ai/apkguard/internal/redact"
)

// Tensor names of the exported model signature.
const (
	InputOpcodes     = "opcode_sequence_in"
	InputIndices     = "method_indices_in"
	InputPermissions = "permissions_in"
	OutputScores     = "output_0"
)

// ONNXConfig locates the model and the onnxruntime shared library.
type ONNXConfig struct {
	ModelPath         string
	SharedLibraryPath string
	// SHA256, when set, pins the model file digest checked before loading.
	SHA256         string
	IntraOpThreads int
}

// ONNXRuntime is a Runtime backed by an onnxruntime dynamic session. The
// session is created once and shared read-only by every request.
type ONNXRuntime struct {
	session *ort.DynamicAdvancedSession
}

// LoadONNX initializes the onnxruntime environment and opens the model.
func LoadONNX(cfg ONNXConfig) (*ONNXRuntime, error) {
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, errors.New("model path is empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", modelPath, err)
	}
	if err := VerifyModel(modelPath, cfg.SHA256); err != nil {
		return nil, err
	}

	libPath := resolveSharedLibraryPath(cfg.SharedLibraryPath, filepath.Dir(modelPath))
	if libPath == "" {
		return nil, fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{InputOpcodes, InputIndices, InputPermissions},
		[]string{OutputScores},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	redact.Logf("classifier: model loaded path=%s runtime=%s", modelPath, libPath)
	return &ONNXRuntime{session: session}, nil
}

// Run implements Runtime. Input and output tensors are allocated per call so
// concurrent requests never share buffers.
func (r *ONNXRuntime) Run(b *batch.Batch) ([][]float32, error) {
	if r == nil || r.session == nil {
		return nil, errors.New("onnx session not initialized")
	}

	opcodes, err := ort.NewTensor(ort.NewShape(b.OpcodeShape()...), b.Opcodes)
	if err != nil {
		return nil, fmt.Errorf("allocate %s tensor: %w", InputOpcodes, err)
	}
	defer opcodes.Destroy()

	indices, err := ort.NewTensor(ort.NewShape(b.IndexShape()...), b.Indices)
	if err != nil {
		return nil, fmt.Errorf("allocate %s tensor: %w", InputIndices, err)
	}
	defer indices.Destroy()

	perms, err := ort.NewTensor(ort.NewShape(b.PermissionShape()...), b.Permissions)
	if err != nil {
		return nil, fmt.Errorf("allocate %s tensor: %w", InputPermissions, err)
	}
	defer perms.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(b.Rows), NumClasses))
	if err != nil {
		return nil, fmt.Errorf("allocate %s tensor: %w", OutputScores, err)
	}
	defer output.Destroy()

	if err := r.session.Run([]ort.Value{opcodes, indices, perms}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	shape := output.GetShape()
	if len(shape) != 2 || shape[0] != int64(b.Rows) || shape[1] != NumClasses {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, shape)
	}
	raw := output.GetData()
	scores := make([][]float32, b.Rows)
	for i := range scores {
		scores[i] = append([]float32(nil), raw[i*NumClasses:(i+1)*NumClasses]...)
	}
	return scores, nil
}

// Close releases the session.
func (r *ONNXRuntime) Close() error {
	if r == nil || r.session == nil {
		return nil
	}
	return r.session.Destroy()
}

// resolveSharedLibraryPath picks the configured path, then the
// ONNXRUNTIME_SHARED_LIBRARY_PATH env var, then probes common locations.
func resolveSharedLibraryPath(configured, modelDir string) string {
	if p := strings.TrimSpace(configured); p != "" {
		return p
	}
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/usr/local/lib",
		"/usr/lib",
		"/opt/homebrew/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
