package lto

import (
	"bufio"
	"fmt"
	"os"

	"github.com/tinyrange/lto/internal/irmod"
)

// cachedObject is a unit object that lives in the cache directory.
type cachedObject struct {
	path string
	data []byte
}

type saveTemps struct {
	enabled bool
	output  string
}

// path names the saved object of unit i: <out>.lto.o for the first unit and
// <out><i>.lto.o for the rest.
func (s saveTemps) path(i int) string {
	if i == 0 {
		return s.output + ".lto.o"
	}
	return fmt.Sprintf("%s%d.lto.o", s.output, i)
}

// aggregate returns the non-empty freshly compiled objects in unit order,
// followed by the non-empty cache-resident objects in unit order.
func aggregate(fresh [][]byte, cached []*cachedObject, save saveTemps) ([][]byte, error) {
	var out [][]byte
	for i, buf := range fresh {
		if len(buf) == 0 {
			continue
		}
		if save.enabled {
			if err := os.WriteFile(save.path(i), buf, 0o644); err != nil {
				return nil, fmt.Errorf("lto: save unit %d: %w", i, err)
			}
		}
		out = append(out, buf)
	}
	for _, obj := range cached {
		if obj == nil || len(obj.data) == 0 {
			continue
		}
		out = append(out, obj.data)
	}
	return out, nil
}

// writeResolutions dumps the verdict of every occurrence, one per line, as
// -r=<module>,<symbol>,<flags> where p marks prevailing and x marks visible
// to regular objects.
func writeResolutions(path string, reg *irmod.Registry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("lto: save resolutions: %w", err)
	}
	w := bufio.NewWriter(f)
	for m, s := range reg.AllSymbols() {
		res, _ := s.Resolution()
		flags := ""
		if res.Prevailing {
			flags += "p"
		}
		if res.VisibleOutsideLTO {
			flags += "x"
		}
		fmt.Fprintf(w, "-r=%s,%s,%s\n", m.ID(), s.Name, flags)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("lto: save resolutions: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("lto: save resolutions: %w", err)
	}
	return nil
}
