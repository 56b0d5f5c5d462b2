package executor

import (
	"bufio"
	"io"
	"log"
)

// bindLoggingPipe spawns a goroutine that drains the given worker pipe line
// by line into output until end of stream. If the worker's diagnostics are
// never read, the pipe buffer fills and the worker blocks, so the drain runs
// for the whole life of each spawned process. The returned channel is closed
// once the drain finishes, letting the caller reap the process only after
// the pipe has been read to the end.
func bindLoggingPipe(name string, pipe io.Reader, output io.Writer, logPrefix bool, maxBufferSize int) <-chan struct{} {
	log.Printf("Started draining %s from worker.", name)

	scanner := bufio.NewScanner(pipe)
	if maxBufferSize > 0 {
		scanner.Buffer(make([]byte, maxBufferSize), maxBufferSize)
	}

	logFlags := log.Flags()
	prefix := log.Prefix()
	if !logPrefix {
		logFlags = 0
		prefix = ""
	}

	logger := log.New(output, prefix, logFlags)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			if logPrefix {
				logger.Printf("%s: %s", name, scanner.Text())
			} else {
				logger.Print(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("Error scanning %s: %s", name, err.Error())
		}
	}()

	return done
}
