package tiledb

import (
	"fmt"
	"log"
	"runtime/debug"

	"github.com/schollz/progressbar/v3"
)

// Consolidate merges the array's fragments into fewer larger ones, in
// batches of batchSize fragments (0 or negative means all at once).
// Each batch is read as a virtual sparse read across all attributes
// and written into a fresh fragment; the batch output joins the next
// batch's inputs. The source fragments are deleted only after the
// final output commits; a failing batch leaves them untouched.
func (a *Array) Consolidate(logger *log.Logger, batchSize int) error {
	if a.mode != ArrayConsolidate {
		return fmt.Errorf("cannot consolidate: array %s is not open for consolidation", a.dir)
	}
	names, err := fragmentNames(a.fs, a.dir)
	if err != nil {
		return err
	}
	if len(names) <= 1 {
		return nil
	}

	unlock, err := lockPath(a.fs, a.cfg, a.dir)
	if err != nil {
		return err
	}
	defer unlock()

	if batchSize <= 0 || batchSize > len(names) {
		batchSize = len(names)
	}
	numBatches := (len(names) + batchSize - 1) / batchSize
	logger.Printf("consolidating %d fragments in %d batches", len(names), numBatches)
	bar := progressbar.Default(int64(numBatches))

	attributes := make([]string, 0, a.schema.AttributeNum()+1)
	for _, attr := range a.schema.Attributes {
		attributes = append(attributes, attr.Name)
	}
	if !a.schema.Dense {
		attributes = append(attributes, CoordsName)
	}

	var oldNames []string
	lastOutput := ""
	for batch := 0; batch < numBatches; batch++ {
		start := batch * batchSize
		end := start + batchSize
		if end > len(names) {
			end = len(names)
		}
		batchNames := append([]string(nil), names[start:end]...)
		if lastOutput != "" {
			batchNames = append(batchNames, lastOutput)
		}

		output, err := a.consolidateBatch(batchNames, attributes)
		if err != nil {
			return err
		}
		if lastOutput != "" {
			oldNames = append(oldNames, lastOutput)
		}
		lastOutput = output
		bar.Add(1)

		// Release the batch's book-keeping before the next one.
		for _, name := range batchNames {
			bkCache.drop(a.schema.Workspace, a.dir+"/"+name)
		}
		debug.FreeOSMemory()
	}

	oldNames = append(oldNames, names...)
	for _, name := range oldNames {
		bkCache.drop(a.schema.Workspace, a.dir+"/"+name)
		if err := a.fs.DeleteDir(a.dir + "/" + name); err != nil {
			return err
		}
	}
	logger.Printf("consolidation finished, new fragment %s", lastOutput)
	return nil
}

// consolidateBatch merges one set of fragments into a new fragment and
// returns its name.
func (a *Array) consolidateBatch(batchNames, attributes []string) (string, error) {
	reader := &Array{
		fs:       a.fs,
		cfg:      a.cfg,
		schema:   a.schema,
		dir:      a.dir,
		mode:     ArrayRead,
		subarray: append([]byte(nil), a.schema.Domain...),
	}
	for _, name := range attributes {
		id, err := a.schema.AttributeID(name)
		if err != nil {
			return "", err
		}
		reader.attributeIDs = append(reader.attributeIDs, id)
	}
	for _, name := range batchNames {
		f, err := openFragment(a.fs, a.schema, a.dir, name)
		if err != nil {
			return "", err
		}
		reader.fragments = append(reader.fragments, f)
	}

	name := newFragmentName()
	writer, err := newWriteFragment(a.fs, a.cfg, a.schema, a.dir, name, ArrayWrite)
	if err != nil {
		return "", err
	}

	bufferSize := a.cfg.consolidationBufferSize()
	buffers := make([][]byte, reader.expectedBufferNum())

	// Drain one attribute at a time; the other buffers stay empty so
	// their cursors hold still.
	bufferI := 0
	for _, id := range reader.attributeIDs {
		span := 1
		if a.schema.varSize(id) {
			span = 2
		}
		for {
			for i := range buffers {
				buffers[i] = nil
			}
			for i := 0; i < span; i++ {
				buffers[bufferI+i] = make([]byte, bufferSize)
			}
			sizes, err := reader.Read(buffers)
			if err != nil {
				writer.Abort()
				return "", err
			}
			for i := range buffers {
				buffers[i] = buffers[i][:sizes[i]]
			}
			if err := writer.Write(reader.attributeIDs, buffers); err != nil {
				writer.Abort()
				return "", err
			}
			drained := true
			for ai, rid := range reader.attributeIDs {
				if rid == id && reader.Overflow(ai) {
					drained = false
				}
			}
			if drained {
				break
			}
		}
		bufferI += span
	}

	if err := writer.Finalize(); err != nil {
		return "", err
	}
	return name, nil
}
