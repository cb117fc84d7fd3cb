package deverr

import (
	"fmt"
	"sync"
)

// Status codes, numbered like the OpenCL runtime so that codes coming from a
// vendor driver resolve to the same names.
const (
	CodeSuccess                    = 0
	CodeDeviceNotFound             = -1
	CodeDeviceNotAvailable         = -2
	CodeCompilerNotAvailable       = -3
	CodeMemObjectAllocationFailure = -4
	CodeOutOfResources             = -5
	CodeOutOfHostMemory            = -6
	CodeMapFailure                 = -12
	CodeMisalignedSubBufferOffset  = -13
	CodeBuildProgramFailure        = -11
	CodeLinkProgramFailure         = -17
	CodeInvalidValue               = -30
	CodeInvalidDevice              = -33
	CodeInvalidContext             = -34
	CodeInvalidQueueProperties     = -35
	CodeInvalidCommandQueue        = -36
	CodeInvalidMemObject           = -38
	CodeInvalidBinary              = -42
	CodeInvalidBuildOptions        = -43
	CodeInvalidProgram             = -44
	CodeInvalidOperation           = -59
	CodeInvalidBufferSize          = -61
)

var baseCodes = map[int]string{
	CodeSuccess:                    "CL_SUCCESS",
	CodeDeviceNotFound:             "CL_DEVICE_NOT_FOUND",
	CodeDeviceNotAvailable:         "CL_DEVICE_NOT_AVAILABLE",
	CodeCompilerNotAvailable:       "CL_COMPILER_NOT_AVAILABLE",
	CodeMemObjectAllocationFailure: "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	CodeOutOfResources:             "CL_OUT_OF_RESOURCES",
	CodeOutOfHostMemory:            "CL_OUT_OF_HOST_MEMORY",
	-7:                             "CL_PROFILING_INFO_NOT_AVAILABLE",
	-8:                             "CL_MEM_COPY_OVERLAP",
	-9:                             "CL_IMAGE_FORMAT_MISMATCH",
	-10:                            "CL_IMAGE_FORMAT_NOT_SUPPORTED",
	CodeBuildProgramFailure:        "CL_BUILD_PROGRAM_FAILURE",
	CodeMapFailure:                 "CL_MAP_FAILURE",
	CodeMisalignedSubBufferOffset:  "CL_MISALIGNED_SUB_BUFFER_OFFSET",
	-14:                            "CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST",
	-15:                            "CL_COMPILE_PROGRAM_FAILURE",
	-16:                            "CL_LINKER_NOT_AVAILABLE",
	CodeLinkProgramFailure:         "CL_LINK_PROGRAM_FAILURE",
	CodeInvalidValue:               "CL_INVALID_VALUE",
	-31:                            "CL_INVALID_DEVICE_TYPE",
	-32:                            "CL_INVALID_PLATFORM",
	CodeInvalidDevice:              "CL_INVALID_DEVICE",
	CodeInvalidContext:             "CL_INVALID_CONTEXT",
	CodeInvalidQueueProperties:     "CL_INVALID_QUEUE_PROPERTIES",
	CodeInvalidCommandQueue:        "CL_INVALID_COMMAND_QUEUE",
	-37:                            "CL_INVALID_HOST_PTR",
	CodeInvalidMemObject:           "CL_INVALID_MEM_OBJECT",
	CodeInvalidBinary:              "CL_INVALID_BINARY",
	CodeInvalidBuildOptions:        "CL_INVALID_BUILD_OPTIONS",
	CodeInvalidProgram:             "CL_INVALID_PROGRAM",
	-45:                            "CL_INVALID_PROGRAM_EXECUTABLE",
	-46:                            "CL_INVALID_KERNEL_NAME",
	-48:                            "CL_INVALID_KERNEL",
	-52:                            "CL_INVALID_KERNEL_ARGS",
	-54:                            "CL_INVALID_WORK_GROUP_SIZE",
	-58:                            "CL_INVALID_EVENT",
	CodeInvalidOperation:           "CL_INVALID_OPERATION",
	CodeInvalidBufferSize:          "CL_INVALID_BUFFER_SIZE",
}

// extensions holds codes registered at runtime by other error domains
// (vendor libraries, backends). Read-mostly after init.
var (
	extMu      sync.RWMutex
	extensions = map[int]string{}
)

// Register adds a name for a code outside the base table. Registering the same
// name twice is a no-op; conflicting names are rejected.
func Register(code int, name string) error {
	if name == "" {
		return fmt.Errorf("register code %d: empty name", code)
	}
	if existing, ok := baseCodes[code]; ok {
		return fmt.Errorf("register code %d as %q: reserved for %s", code, name, existing)
	}

	extMu.Lock()
	defer extMu.Unlock()
	if existing, ok := extensions[code]; ok {
		if existing == name {
			return nil
		}
		return fmt.Errorf("register code %d as %q: already registered as %s", code, name, existing)
	}
	extensions[code] = name
	return nil
}

// MustRegister is Register for package initialisation.
func MustRegister(code int, name string) {
	if err := Register(code, name); err != nil {
		panic(err)
	}
}

// CodeName returns the registered name of a status code.
func CodeName(code int) string {
	if name, ok := baseCodes[code]; ok {
		return name
	}
	extMu.RLock()
	name, ok := extensions[code]
	extMu.RUnlock()
	if ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR_%d", code)
}
