package orm

import (
	"fmt"
	"strings"
)

func SQLAndValuesToParameterized(q string, p []interface{}) ParametereizedSQL {
	return ParametereizedSQL{
		Query:  q,
		Values: p,
	}
}

// Get all sum timing
func TotalTimeElapsedInSecond(reses []BasicSQLResult) float64 {
	sum := 0.0
	for i := range reses {
		sum += reses[i].Timing
	}
	return sum
}

func SecondToMs(s float64) float64 {
	return s * 1000
}

func SecondToMsString(s float64) string {
	return fmt.Sprintf("%.5f", SecondToMs(s))
}

// TotalRowsAffected sums RowsAffected and returns the first error found.
func TotalRowsAffected(reses []BasicSQLResult) (int, error) {
	total := 0
	for i := range reses {
		if reses[i].Error != nil {
			return total, reses[i].Error
		}
		total += reses[i].RowsAffected
	}
	return total, nil
}

// Convert the .sql file into each individual sql commands
// Input is []string which are the content of the .sql file
// Output is []string of each sql commands.
func ConvertSQLCommands(lines []string) []string {
	var commands []string
	var currentCommand strings.Builder

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		commentIndex := strings.Index(line, "--")
		if commentIndex != -1 {
			line = line[:commentIndex] // Remove comment part
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		currentCommand.WriteString(line)
		currentCommand.WriteString(" ")

		if strings.Contains(line, ";") {
			parts := strings.Split(currentCommand.String(), ";")
			for _, part := range parts[:len(parts)-1] { // Process parts before the last one
				command := strings.TrimSpace(part)
				if command != "" {
					commands = append(commands, command)
				}
			}
			currentCommand.Reset()
			currentCommand.WriteString(parts[len(parts)-1])
		}
	}

	if currentCommand.Len() > 0 {
		command := strings.TrimSpace(currentCommand.String())
		if command != "" {
			commands = append(commands, command)
		}
	}

	return commands
}
