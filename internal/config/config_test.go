package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kettlelinna/shuttle/internal/common"
)

func TestConfig_Validation(t *testing.T) {
	t.Run("DefaultsValidos", func(t *testing.T) {
		if err := Default().Validate(); err != nil {
			t.Fatalf("La configuracion por defecto debe ser valida: %v", err)
		}
	})

	t.Run("BlockSizeInvalido", func(t *testing.T) {
		cfg := Default()
		cfg.BlockSize = 0
		if err := cfg.Validate(); common.KindOf(err) != common.KindConfig {
			t.Errorf("Esperaba ConfigError, obtuvo %v", err)
		}
	})

	t.Run("TokensInvertidos", func(t *testing.T) {
		cfg := Default()
		cfg.TotalConnections = cfg.BaseConnections - 1
		if err := cfg.Validate(); err == nil {
			t.Errorf("total_connections < base_connections debe fallar")
		}
	})

	t.Run("WriterTypeDesconocido", func(t *testing.T) {
		cfg := Default()
		cfg.WriterType = "turbo"
		if err := cfg.Validate(); err == nil {
			t.Errorf("Un writer_type desconocido debe fallar")
		}
	})
}

func TestConfig_Load(t *testing.T) {
	t.Run("ArchivoSobreDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "conf.json")
		os.WriteFile(path, []byte(`{"block_size": 1024, "cluster": "pruebas"}`), 0644)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load fallo: %v", err)
		}
		if cfg.BlockSize != 1024 || cfg.Cluster != "pruebas" {
			t.Errorf("El archivo no sobrescribio los defaults: %+v", cfg)
		}
		if cfg.DumperThreads != Default().DumperThreads {
			t.Errorf("Las opciones no tocadas deben conservar el default")
		}
	})

	t.Run("JsonInvalido", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "roto.json")
		os.WriteFile(path, []byte("{no es json"), 0644)
		if _, err := Load(path); common.KindOf(err) != common.KindConfig {
			t.Errorf("Esperaba ConfigError con JSON roto, obtuvo %v", err)
		}
	})
}
