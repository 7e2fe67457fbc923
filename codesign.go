package hotlib

import (
	"os/exec"
	"runtime"

	"go.uber.org/zap"
)

const codesignBin = "codesign"

// Signer prepares a freshly copied artifact before it is opened.
type Signer interface {
	Sign(path string) error
}

type noSigner struct{}

func (noSigner) Sign(string) error { return nil }

// codesigner re-signs copies ad hoc, the macOS loader refuses a copied dylib whose signature no longer matches.
type codesigner struct {
	bin    string
	logger *zap.Logger
}

// DefaultSigner returns the ad hoc codesigner on darwin, a no-op elsewhere.
func DefaultSigner(logger *zap.Logger) Signer {
	if runtime.GOOS != "darwin" {
		return noSigner{}
	}
	bin, err := exec.LookPath(codesignBin)
	if err != nil {
		logger.Warn("codesign executable not found, copied libraries will not be signed; install the Xcode command line tools",
			zap.Error(err))
		return noSigner{}
	}
	return &codesigner{bin: bin, logger: logger}
}

func (c *codesigner) Sign(path string) error {
	out, err := exec.Command(c.bin, "--sign", "-", "-v", "--force", path).CombinedOutput()
	if err != nil {
		c.logger.Error("codesign failed", zap.String("file", path), zap.ByteString("output", out), zap.Error(err))
		return err
	}
	c.logger.Debug("codesigned", zap.String("file", path), zap.ByteString("output", out))
	return nil
}
