package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden           ErrCode = "FORBIDDEN"
	ErrPermissionDenied    ErrCode = "PERMISSION_DENIED"
	ErrCandidateAccessOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrAdminAccessOnly     ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Attempt-specific ──────────────────────────────────────────────
	ErrExamNotFound          ErrCode = "EXAM_NOT_FOUND"
	ErrExamNotAvailable      ErrCode = "EXAM_NOT_AVAILABLE"
	ErrInvalidExamDefinition ErrCode = "INVALID_EXAM_DEFINITION"
	ErrAttemptNotFound       ErrCode = "ATTEMPT_NOT_FOUND"
	ErrAttemptConflict       ErrCode = "ATTEMPT_ALREADY_EXISTS"
	ErrAttemptFinished       ErrCode = "ATTEMPT_FINISHED"
	ErrStaleSubject          ErrCode = "STALE_SUBJECT"
	ErrInvalidAnswerPayload  ErrCode = "INVALID_ANSWER_PAYLOAD"

	// ─── Artifacts ─────────────────────────────────────────────────────
	ErrFileRequired    ErrCode = "FILE_REQUIRED"
	ErrUnsupportedFile ErrCode = "UNSUPPORTED_FILE_TYPE"
	ErrFileTooLarge    ErrCode = "FILE_TOO_LARGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrPermissionDenied:
		return "Izin ditolak."
	case ErrCandidateAccessOnly:
		return "Sumber daya ini terbatas untuk peserta ujian."
	case ErrAdminAccessOnly:
		return "Sumber daya ini terbatas untuk administrator."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Sumber daya sudah ada."

	// ─── Attempt-specific ──────────────────────────────────────────────
	case ErrExamNotFound:
		return "Ujian tidak ditemukan."
	case ErrExamNotAvailable:
		return "Ujian ini saat ini tidak tersedia."
	case ErrInvalidExamDefinition:
		return "Definisi ujian tidak valid."
	case ErrAttemptNotFound:
		return "Pengerjaan ujian tidak ditemukan."
	case ErrAttemptConflict:
		return "Anda sudah memulai ujian ini."
	case ErrAttemptFinished:
		return "Ujian ini sudah selesai."
	case ErrStaleSubject:
		return "Mata uji ini sudah tidak aktif. Muat ulang status ujian."
	case ErrInvalidAnswerPayload:
		return "Jawaban tidak sesuai dengan soal."

	// ─── Artifacts ─────────────────────────────────────────────────────
	case ErrFileRequired:
		return "Unggah file diperlukan."
	case ErrUnsupportedFile:
		return "Jenis file tidak didukung."
	case ErrFileTooLarge:
		return "Ukuran file melebihi batas."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
