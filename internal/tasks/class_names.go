package tasks

import (
	"fmt"
	"strings"
)

// builtinClassNames maps well-known training labels to their class names,
// ordered by output index.
var builtinClassNames = map[string][]string{
	"ftagTruthOriginLabel": {
		"Pileup",
		"Fake",
		"Primary",
		"FromB",
		"FromBC",
		"FromC",
		"FromTau",
		"OtherSecondary",
	},
	"ftagTruthTypeLabel": {
		"NoTruth",
		"Other",
		"Pion",
		"Kaon",
		"Electron",
		"Muon",
	},
	"quarkCharge": {
		"p_negquark",
		"p_posquark",
	},
}

// AttrSource exposes block attributes of a training file.
type AttrSource interface {
	Attr(block, key string) (string, bool)
}

// ResolveClassNames returns the class names of a classification output.
// Explicit names win, then the comma separated attribute named after the
// label on the training file's jet block, then the built-in table.
func ResolveClassNames(explicit []string, label, jetBlock string, train AttrSource) ([]string, error) {
	if len(explicit) > 0 {
		return append([]string(nil), explicit...), nil
	}
	if train != nil && label != "" {
		if v, ok := train.Attr(jetBlock, label); ok && strings.TrimSpace(v) != "" {
			parts := strings.Split(v, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts, nil
		}
	}
	if names, ok := builtinClassNames[label]; ok {
		return append([]string(nil), names...), nil
	}
	return nil, fmt.Errorf("no class names for label %q", label)
}

// jetColumn names a jet probability column: the model prefix, "_p" and the
// class name without a trailing "jets".
func jetColumn(model, class string) string {
	return model + "_p" + strings.TrimSuffix(class, "jets")
}
