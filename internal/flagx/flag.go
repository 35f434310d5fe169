// Package flagx helps the server config parse its command-line flags in
// stages: the JSON config path is read first with JsonConfigFlags, then
// the remaining arguments are narrowed with FilterArgs before the main
// flag set parses them, so unrelated flags never abort startup.
package flagx

import (
	"flag"
	"os"
	"strings"
)

// FilterArgs returns only the arguments naming an allowed flag, together
// with their values. Both forms are recognized: a separate value argument
// ("-c conf.json") and the combined form ("--config=conf.json").
//
// args is usually os.Args[1:]; allowedFlags lists the flag names to keep,
// e.g. []string{"-c", "--config"}.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		// Combined form: "--flag=value" or "-f=value".
		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := strings.SplitN(arg, "=", 2)[0]
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		// Separate form: the next argument is the value unless it looks
		// like another flag.
		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// JsonConfigFlags extracts the config file path from the -c or -config
// flags, ignoring everything else on the command line. Returns "" when
// neither flag is present.
func JsonConfigFlags() string {
	var config string

	args := FilterArgs(os.Args[1:], []string{"-c", "-config"})

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(args)

	return config
}
