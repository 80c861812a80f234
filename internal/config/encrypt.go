package config

import (
	"fmt"
	"os"

	"github.com/rowjay/report-backup/internal/cryptoutil"
)

// EncryptConfigFile seals inputPath with key and writes it to outputPath. An
// empty outputPath writes next to the input with an ".enc" suffix.
func EncryptConfigFile(inputPath, outputPath, key string) (string, error) {
	if outputPath == "" {
		outputPath = inputPath + ".enc"
	}
	if outputPath == inputPath {
		return "", fmt.Errorf("refusing to overwrite %s with its encrypted form", inputPath)
	}
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return "", err
	}
	sealed, err := cryptoutil.EncryptConfig(plain, parsed)
	if err != nil {
		return "", fmt.Errorf("encrypt config: %w", err)
	}
	if err := os.WriteFile(outputPath, sealed, 0o600); err != nil {
		return "", fmt.Errorf("write encrypted config: %w", err)
	}
	return outputPath, nil
}
