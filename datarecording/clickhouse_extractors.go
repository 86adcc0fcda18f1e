package datarecording

import (
	"fmt"
	"reflect"
)

// These extractors use minimal reflection ONLY as a fallback.
// The fast path uses type assertions in the convert functions.

// asUint64 reads an integer field regardless of signedness. Recorders that
// target SQLite store addresses in their signed two's-complement form, while
// the ClickHouse schema keeps them unsigned.
func asUint64(field reflect.Value) uint64 {
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Int64:
		return uint64(field.Int())
	default:
		return field.Uint()
	}
}

func extractTaskTableEntry(entry any) taskTableEntryDB {
	v := reflect.ValueOf(entry)

	// Validate this is the right structure
	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf("expected struct for task entry, got %T", entry))
	}

	result := taskTableEntryDB{}

	// Extract fields by name
	if field := v.FieldByName("ID"); field.IsValid() {
		result.ID = field.String()
	}
	if field := v.FieldByName("ParentID"); field.IsValid() {
		result.ParentID = field.String()
	}
	if field := v.FieldByName("Kind"); field.IsValid() {
		result.Kind = field.String()
	}
	if field := v.FieldByName("What"); field.IsValid() {
		result.What = field.String()
	}
	if field := v.FieldByName("Location"); field.IsValid() {
		result.Location = field.String()
	}
	if field := v.FieldByName("StartTime"); field.IsValid() {
		result.StartTime = field.Float()
	}
	if field := v.FieldByName("EndTime"); field.IsValid() {
		result.EndTime = field.Float()
	}

	return result
}

func extractTraceIndexEntry(entry any) traceIndexEntryDB {
	v := reflect.ValueOf(entry)

	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf(
			"expected struct for trace index entry, got %T", entry))
	}

	result := traceIndexEntryDB{}

	if field := v.FieldByName("TableName"); field.IsValid() {
		result.TableName = field.String()
	}
	if field := v.FieldByName("SessionStart"); field.IsValid() {
		result.SessionStart = field.Float()
	}
	if field := v.FieldByName("SessionEnd"); field.IsValid() {
		result.SessionEnd = field.Float()
	}

	return result
}

func extractMilestoneTableEntry(entry any) milestoneTableEntryDB {
	v := reflect.ValueOf(entry)

	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf("expected struct for milestone entry, got %T", entry))
	}

	result := milestoneTableEntryDB{}

	if field := v.FieldByName("ID"); field.IsValid() {
		result.ID = field.String()
	}
	if field := v.FieldByName("TaskID"); field.IsValid() {
		result.TaskID = field.String()
	}
	if field := v.FieldByName("BlockingCategory"); field.IsValid() {
		result.BlockingCategory = field.String()
	}
	if field := v.FieldByName("BlockingReason"); field.IsValid() {
		result.BlockingReason = field.String()
	}
	if field := v.FieldByName("BlockingLocation"); field.IsValid() {
		result.BlockingLocation = field.String()
	}
	if field := v.FieldByName("Time"); field.IsValid() {
		result.Time = field.Float()
	}

	return result
}

func extractFrameOpEntry(entry any) frameOpEntryDB {
	v := reflect.ValueOf(entry)

	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf("expected struct for frame op entry, got %T", entry))
	}

	result := frameOpEntryDB{}

	if field := v.FieldByName("Op"); field.IsValid() {
		result.Op = field.String()
	}
	if field := v.FieldByName("Addr"); field.IsValid() {
		result.Addr = asUint64(field)
	}
	if field := v.FieldByName("PageCount"); field.IsValid() {
		result.PageCount = field.Uint()
	}
	if field := v.FieldByName("BlockOrder"); field.IsValid() {
		result.BlockOrder = field.Int()
	}
	if field := v.FieldByName("RegionStart"); field.IsValid() {
		result.RegionStart = asUint64(field)
	}
	if field := v.FieldByName("Time"); field.IsValid() {
		result.Time = field.Float()
	}

	return result
}

func extractSpaceOpEntry(entry any) spaceOpEntryDB {
	v := reflect.ValueOf(entry)

	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf("expected struct for space op entry, got %T", entry))
	}

	result := spaceOpEntryDB{}

	if field := v.FieldByName("Op"); field.IsValid() {
		result.Op = field.String()
	}
	if field := v.FieldByName("Space"); field.IsValid() {
		result.Space = field.String()
	}
	if field := v.FieldByName("Virt"); field.IsValid() {
		result.Virt = asUint64(field)
	}
	if field := v.FieldByName("PageCount"); field.IsValid() {
		result.PageCount = field.Uint()
	}
	if field := v.FieldByName("Time"); field.IsValid() {
		result.Time = field.Float()
	}

	return result
}

func extractFaultEventEntry(entry any) faultEventEntryDB {
	v := reflect.ValueOf(entry)

	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf(
			"expected struct for fault event entry, got %T", entry))
	}

	result := faultEventEntryDB{}

	if field := v.FieldByName("Space"); field.IsValid() {
		result.Space = field.String()
	}
	if field := v.FieldByName("Addr"); field.IsValid() {
		result.Addr = asUint64(field)
	}
	if field := v.FieldByName("Outcome"); field.IsValid() {
		result.Outcome = field.String()
	}
	if field := v.FieldByName("Time"); field.IsValid() {
		result.Time = field.Float()
	}

	return result
}

func extractLocationEntry(entry any) locationEntry {
	v := reflect.ValueOf(entry)

	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf("expected struct for location entry, got %T", entry))
	}

	result := locationEntry{}

	if field := v.FieldByName("ID"); field.IsValid() {
		result.ID = int(field.Int())
	}
	if field := v.FieldByName("Locale"); field.IsValid() {
		result.Locale = field.String()
	}

	return result
}
