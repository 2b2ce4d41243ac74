package goofish

// Scripts evaluated inside the storefront page. The web client renders with
// hashed CSS-module class names, so everything matches on class prefixes.

const jsCheckLogin = `() => {
	const convList = document.querySelector('[class*="conversation-item--"]');
	const header = document.querySelector('header, [class*="header"]');
	const hasUserName = header && !header.innerText.includes('登录');
	return !!(convList || hasUserName);
}`

const jsListThreads = `(statusMapping) => {
	const items = document.querySelectorAll('[class*="conversation-item--"]');
	const result = [];
	const keywords = Object.keys(statusMapping);

	for (let i = 0; i < items.length; i++) {
		const item = items[i];
		const allText = item.innerText;
		const lines = allText.split('\n').filter(l => l.trim());

		const badge = item.querySelector('.ant-badge-count');
		let unreadCount = 0;
		if (badge) {
			const num = parseInt(badge.innerText);
			unreadCount = isNaN(num) ? 1 : num;
		}

		let orderStatus = '';
		for (const keyword of keywords) {
			if (allText.includes(keyword)) {
				orderStatus = statusMapping[keyword];
				break;
			}
		}

		// Row text layout: [unread count] name [status] last message, time.
		let buyerName = '';
		let lastMessage = '';
		let timeStr = '';
		if (lines.length >= 2) {
			let startIdx = 0;
			if (/^\d+$/.test(lines[0])) {
				startIdx = 1;
			}
			buyerName = lines[startIdx] || '';
			timeStr = lines[lines.length - 1] || '';
			if (lines.length > startIdx + 1) {
				lastMessage = lines[lines.length - 2] || '';
			}
		}

		// The notification feed looks like a conversation but is not one.
		if (buyerName === '通知消息') {
			continue;
		}

		result.push({
			index: i,
			buyer_name: buyerName,
			last_message: lastMessage,
			time: timeStr,
			unread_count: unreadCount,
			order_status: orderStatus,
		});
	}
	return result;
}`

const jsClickThread = `(idx) => {
	const items = document.querySelectorAll('[class*="conversation-item--"]');
	if (items[idx]) {
		items[idx].click();
		return true;
	}
	return false;
}`

const jsListMessages = `(systemKeywords) => {
	const messages = [];
	const main = document.querySelector('main');
	if (!main) return messages;

	const msgRows = main.querySelectorAll('[class*="message-row--"]');
	msgRows.forEach(row => {
		const contentEl = row.querySelector('[class*="message-content--"]');
		const imageContainer = row.querySelector('[class*="image-container--"]');

		// Avatar side tells buyer from seller; the read/unread badge does not.
		const avatar = row.querySelector('[class*="avatar"]');
		let sender = 'buyer';
		if (avatar && contentEl) {
			const avatarRect = avatar.getBoundingClientRect();
			const contentRect = contentEl.getBoundingClientRect();
			sender = avatarRect.left > contentRect.left ? 'seller' : 'buyer';
		}

		const imageUrls = [];
		if (imageContainer) {
			const images = imageContainer.querySelectorAll('img');
			images.forEach(img => {
				const src = img.src || img.getAttribute('data-src');
				if (src && src.includes('alicdn')) {
					// Keep originals only; skip placeholders and webp previews.
					if (!src.includes('2-tps-2-2') &&
						!src.includes('_230x') &&
						!src.includes('_.webp')) {
						imageUrls.push(src);
					}
				}
			});
		}

		let text = '';
		if (contentEl) {
			text = contentEl.innerText.replace('已读', '').replace('未读', '').trim();
			if (text === '图片' && imageUrls.length > 0) {
				text = '';
			}
		}
		if (!text && imageUrls.length === 0) return;

		let isSystemMsg = false;
		if (text) {
			for (const keyword of systemKeywords) {
				if (text.includes(keyword)) {
					isSystemMsg = true;
					break;
				}
			}
		}

		messages.push({
			sender: sender,
			content: text,
			is_system: isSystemMsg,
			image_urls: imageUrls,
		});
	});
	return messages;
}`

const jsProductInfo = `(statusMapping) => {
	const main = document.querySelector('main');
	if (!main) return {};

	const card = main.querySelector('a[href*="item"], [class*="product"], [class*="goods"], [class*="item-card"], [class*="order-card"]');
	if (!card) return {};

	const text = card.innerText;
	const lines = text.split('\n').filter(l => l.trim());

	let price = '';
	const priceMatch = text.match(/[¥￥]([\d.]+)/);
	if (priceMatch) {
		price = priceMatch[1];
	}

	const keywords = Object.keys(statusMapping);
	let orderStatus = '';
	for (const keyword of keywords) {
		if (text.includes(keyword)) {
			orderStatus = statusMapping[keyword];
			break;
		}
	}

	return {
		title: lines[0] || '',
		price: price,
		order_status: orderStatus,
		info: text,
	};
}`

const jsUserID = `() => {
	const main = document.querySelector('main');
	if (!main) return null;

	const links = main.querySelectorAll('a[href*="personal?userId="]');
	for (const link of links) {
		const href = link.href || link.getAttribute('href');
		if (href) {
			const match = href.match(/userId=(\d+)/);
			if (match) return match[1];
		}
	}

	const allLinks = main.querySelectorAll('a');
	for (const link of allLinks) {
		const href = link.href || link.getAttribute('href');
		if (href && href.includes('userId=')) {
			const match = href.match(/userId=(\d+)/);
			if (match) return match[1];
		}
	}
	return null;
}`

const jsItemID = `() => {
	const main = document.querySelector('main');
	if (!main) return null;

	const itemLink = main.querySelector('a[href*="item?id="], a[href*="item.htm?id="]');
	if (itemLink) {
		const href = itemLink.href || itemLink.getAttribute('href');
		if (href) {
			const match = href.match(/[?&]id=(\d+)/);
			if (match) return match[1];
		}
	}

	const allLinks = main.querySelectorAll('a[href*="item"]');
	for (const link of allLinks) {
		const href = link.href || link.getAttribute('href');
		if (href) {
			const match = href.match(/[?&]id=(\d+)/);
			if (match) return match[1];
		}
	}
	return null;
}`

const jsLeaveThread = `() => {
	const items = document.querySelectorAll('[class*="conversation-item--"]');
	for (const item of items) {
		if (item.innerText.includes('通知消息')) {
			item.click();
			return true;
		}
	}
	if (items.length > 0) {
		items[0].click();
		return true;
	}
	return false;
}`
